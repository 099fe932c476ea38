//go:build linux

package dispatch

import "golang.org/x/sys/unix"

// setAffinity restricts the calling OS thread to cpus.
func setAffinity(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}
	return unix.SchedSetaffinity(0, &set)
}
