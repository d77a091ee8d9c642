//go:build !linux

package main

import (
	"fmt"
	"runtime"
)

func pinToCPU(cpu int) error {
	return fmt.Errorf("not supported on %s", runtime.GOOS)
}
