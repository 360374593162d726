//go:build windows

package config

import (
	"errors"

	"golang.org/x/sys/windows"
)

// replaceFile moves src over dst. os.Rename fails on Windows when dst exists,
// so MoveFileEx with MOVEFILE_REPLACE_EXISTING is used instead.
func replaceFile(src, dst string) error {
	s, err := windows.UTF16PtrFromString(src)
	if err != nil {
		return err
	}
	d, err := windows.UTF16PtrFromString(dst)
	if err != nil {
		return err
	}
	return windows.MoveFileEx(s, d, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH)
}

// Windows only honours the read-only bit; ACLs on the data dir protect the
// secrets file.
func isChmodUnsupported(err error) bool {
	return errors.Is(err, windows.ERROR_NOT_SUPPORTED)
}
