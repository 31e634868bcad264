package session

import (
	"fmt"
	"os"
	"time"
)

// AcquireLock takes a best-effort advisory lock for read-modify-write
// sequences on target. It creates <target>.lock exclusively, retrying until
// timeout. The returned release removes the sentinel and is idempotent.
// Single-shot atomic writes do not need this.
func AcquireLock(target string, timeout time.Duration) (release func(), err error) {
	lockPath := target + ".lock"
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			released := false
			return func() {
				if !released {
					released = true
					_ = os.Remove(lockPath)
				}
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire lock %s: timed out after %s", lockPath, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
