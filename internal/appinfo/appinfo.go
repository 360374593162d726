// Package appinfo provides application identity constants.
// These are used across packages for consistent naming.
package appinfo

const (
	// AppName is the display name of the application.
	AppName = "Livecast Relay"

	// DirName is the directory name used for storing application data.
	// Location: %LOCALAPPDATA%/livecast/ (Windows) or ~/.config/livecast/ (other)
	DirName = "livecast"

	// MutexName is the Windows mutex name for single instance control.
	// "Local\" prefix scopes the mutex to the current user session.
	MutexName = "Local\\livecast-relay"

	// LockFileName is the lock file name for single instance control.
	LockFileName = "livecast.lock"

	// ConfigFileName is the configuration file name.
	ConfigFileName = "config.json"

	// SecretsFileName is the secrets file name.
	SecretsFileName = "secrets.json"

	// GiftCatalogFileName is the optional gift catalog override.
	GiftCatalogFileName = "gifts.yaml"

	// DatabaseFileName is the SQLite database file name.
	DatabaseFileName = "livecast.sqlite"
)
