// internal/types/interfaces.go
package types

// SettingsStore persists user settings as dot-separated keys.
type SettingsStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}
