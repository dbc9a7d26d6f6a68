// Package rlimit pins the process file-descriptor limit so that every fd
// the process ever receives is a valid Connection Registry index.
package rlimit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SetFDLimit pins both the soft and hard RLIMIT_NOFILE to max. It must run
// before any socket is opened (spec §5, "Resource limits").
func SetFDLimit(max uint64) error {
	limit := unix.Rlimit{Cur: max, Max: max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return fmt.Errorf("rlimit: setrlimit NOFILE to %d: %w", max, err)
	}

	var got unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &got); err != nil {
		return fmt.Errorf("rlimit: getrlimit NOFILE: %w", err)
	}
	if got.Cur < max {
		return fmt.Errorf("rlimit: kernel capped NOFILE at %d, want %d", got.Cur, max)
	}
	return nil
}
