package reliability

import "time"

// IsRetryableCloseCode classifies websocket close codes worth reconnecting on.
// Policy violations and unsupported-data closes indicate a protocol mismatch
// that retrying will not fix.
func IsRetryableCloseCode(code int) bool {
	switch code {
	case 1008, 1003, 1002:
		return false
	default:
		return true
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
