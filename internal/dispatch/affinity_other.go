//go:build !linux

package dispatch

import "errors"

func setAffinity([]int) error {
	return errors.New("cpu affinity is only supported on linux")
}
