package config

// ConfigBackend is the platform-native key/value store behind Load and
// SetKey. On macOS it is UserDefaults through the `defaults` CLI; on
// other platforms a JSON file under $XDG_CONFIG_HOME/nlq.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
