//go:build !windows

package cmd

import (
	"os"

	"golang.org/x/sys/unix"
)

// gracefulSignals returns the OS signals to capture for graceful shutdown.
// On Unix: SIGINT (Ctrl+C) and SIGTERM (kill).
func gracefulSignals() []os.Signal {
	return []os.Signal{unix.SIGINT, unix.SIGTERM}
}
