// +build darwin

package main

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/mehaus/vlrucache/cache"
)

// adjustRlimit raises RLIMIT_NOFILE to its own hard max at startup, the
// same way rlimit_unix.go does, with one macOS-specific wrinkle: Go 1.12+'s
// getrlimit does not report the true hard limit for RLIM_NOFILE on macOS,
// so the real ceiling has to be read from sysctl and the smaller of the two
// used. Background: https://github.com/golang/go/issues/30401
func adjustRlimit(logger cache.Logger) {
	var limits syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limits)
	if err != nil {
		logger.Printf("rlimit: failed to read RLIMIT_NOFILE: %v", err)
		return
	}

	// Shelling out to sysctl avoids pulling in cgo just for this one value.
	cmd := exec.Command("/usr/sbin/sysctl", "-n", "kern.maxfilesperproc")
	stdout, err := cmd.Output()
	if err != nil {
		logger.Printf("rlimit: failed to read kern.maxfilesperproc from sysctl: %v", err)
		return
	}

	val := strings.Trim(string(stdout), "\n")
	sysctlMax, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		logger.Printf("rlimit: failed to parse sysctl output %q: %v", val, err)
		return
	}

	if limits.Max > sysctlMax {
		limits.Max = sysctlMax
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
