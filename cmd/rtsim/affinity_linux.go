package main

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// pinToCPU restricts every thread of the process to the given CPU, so that
// the goroutines of the hosted port never migrate while a system runs.
func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	tasks, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return unix.SchedSetaffinity(0, &set)
	}
	for _, task := range tasks {
		tid, err := strconv.Atoi(task.Name())
		if err != nil {
			continue
		}
		if err := unix.SchedSetaffinity(tid, &set); err != nil {
			return err
		}
	}
	return nil
}
