//go:build !windows
// +build !windows

package main

import (
	"os/signal"
	"syscall"
)

func init() {
	// On Unix, SIGURG arrives with out-of-band TCP data; keep it from
	// interrupting the blocking socket calls.
	signal.Ignore(syscall.SIGURG)
}
