//go:build !linux

package blockio

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
