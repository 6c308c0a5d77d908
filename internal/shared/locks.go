package shared

import "fmt"

// SessionLockKey builds redis keys guarding account work on one session.
func SessionLockKey(sessionID int64) string {
	return fmt.Sprintf("jit:session:%d:lock", sessionID)
}

// SweepLockKey guards the expiry sweep so only one worker runs it at a time.
func SweepLockKey() string {
	return "jit:sweep:lock"
}
