//go:build !windows

package transport

import (
	"os"
	"syscall"
)

func processTerminateSignal() os.Signal {
	return syscall.SIGTERM
}
