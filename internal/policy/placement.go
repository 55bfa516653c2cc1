package policy

// ShouldInitiate decides which side of a participant pair places the pairwise
// call. The lexicographically smaller user id dials; the larger one waits for
// the invite. Both sides evaluate this locally, so exactly one of them dials
// without any coordination round.
func ShouldInitiate(localUserID, remoteUserID string) bool {
	return localUserID < remoteUserID
}
