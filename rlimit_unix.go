// +build !darwin
// +build !windows

package main

import (
	"syscall"

	"github.com/mehaus/vlrucache/cache"
)

// adjustRlimit raises RLIMIT_NOFILE to its own hard max at startup. A cache
// directory with many buckets means many concurrently open clean/dirty
// file descriptors under load; the per-process soft limit most shells leave
// in place is usually far below what this cache can end up wanting.
func adjustRlimit(logger cache.Logger) {
	var limits syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limits)
	if err != nil {
		logger.Printf("rlimit: failed to read RLIMIT_NOFILE: %v", err)
		return
	}

	logger.Printf("rlimit: RLIMIT_NOFILE before adjustment: cur=%d max=%d",
		limits.Cur, limits.Max)

	limits.Cur = limits.Max

	logger.Printf("rlimit: raising RLIMIT_NOFILE to cur=%d max=%d",
		limits.Cur, limits.Max)

	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &limits); err != nil {
		logger.Printf("rlimit: failed to set RLIMIT_NOFILE: %v", err)
	}
}
