package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrUnknownKey is returned by GetValue for keys absent from the file.
var ErrUnknownKey = errors.New("unknown config key")

// ToMap converts cfg to its nested JSON object form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as dot-separated keys, optionally with secrets
// masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return Flatten(m), nil
}

// GetValue returns the value stored under key in the config file, creating
// the file with defaults when it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return v, nil
}

// SetValue stores value under key in an existing config file. Values that
// parse as JSON scalars are stored typed, anything else as a string.
func SetValue(path, key, value string) error {
	return setValue(path, key, parseValue(value))
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case map[string]any, []any, nil:
		return s
	}
	return v
}

func setValue(path, key string, value any) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}
	flat[key] = value
	return writeFlat(path, key, flat)
}

// DefaultValues returns the built-in defaults as dot-separated keys.
func DefaultValues() (map[string]any, error) {
	return ListValues(defaults(), false)
}

// ResetValue restores key to its default, or removes it when it has none.
func ResetValue(path, key string) error {
	defs, err := DefaultValues()
	if err != nil {
		return err
	}
	flat, err := readFlat(path)
	if err != nil {
		return err
	}
	if _, ok := flat[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if v, ok := defs[key]; ok {
		flat[key] = v
	} else {
		delete(flat, key)
	}
	return writeFlat(path, key, flat)
}

// writeFlat validates flat against Config before replacing the file. key
// names the change in errors.
func writeFlat(path, key string, flat map[string]any) error {
	nested, err := Unflatten(flat)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(nested, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := json.Unmarshal(data, defaults()); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeAtomic(path, data)
}

// FileSettings is a settings store backed by the config file. Values are
// always stored as strings.
type FileSettings struct {
	path string
	mu   sync.Mutex
}

func NewFileSettings(path string) *FileSettings {
	return &FileSettings{path: path}
}

// Get returns the value for key, or "" when it is unset.
func (s *FileSettings) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := GetValue(s.path, key)
	if errors.Is(err, ErrUnknownKey) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	if str, ok := v.(string); ok {
		return str, nil
	}
	return fmt.Sprint(v), nil
}

// Set stores value under key, creating the config file when needed.
func (s *FileSettings) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := Load(s.path); err != nil {
		return err
	}
	return setValue(s.path, key, value)
}
