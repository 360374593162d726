//go:build windows

// Package singleinstance keeps two relays from serving the same data
// directory.
package singleinstance

import (
	"golang.org/x/sys/windows"

	"github.com/graaaaa/livecast/internal/appinfo"
)

// AcquireLock creates the session-scoped named mutex. ok is false when
// another instance owns it. lockPath is unused on Windows.
//
// Usage:
//
//	release, ok, err := singleinstance.AcquireLock(path)
//	if err != nil { log.Fatal(err) }
//	if !ok { log.Println("Another instance is running"); return }
//	defer release()
func AcquireLock(lockPath string) (release func(), ok bool, err error) {
	name, err := windows.UTF16PtrFromString(appinfo.MutexName)
	if err != nil {
		return nil, false, err
	}

	h, err := windows.CreateMutex(nil, false, name)
	if err != nil {
		if err == windows.ERROR_ALREADY_EXISTS {
			if h != 0 {
				windows.CloseHandle(h)
			}
			return nil, false, nil
		}
		return nil, false, err
	}

	return func() {
		windows.CloseHandle(h)
	}, true, nil
}
