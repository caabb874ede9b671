//go:build windows

package transport

import "os"

func processTerminateSignal() os.Signal {
	return os.Kill
}
