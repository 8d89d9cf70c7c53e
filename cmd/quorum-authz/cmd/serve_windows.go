//go:build windows

package cmd

import (
	"os"
	"syscall"
)

// gracefulSignals returns the OS signals to capture for graceful shutdown.
// On Windows, SIGTERM is simulated; only Ctrl+C (SIGINT) is a real console event.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}
