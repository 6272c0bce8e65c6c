//go:build !unix

package store

import "os"

func acquireLock(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
}

func releaseLock(f *os.File) error {
	return f.Close()
}
