package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// secretKeys collects the dot-separated paths of Config fields tagged
// `secret:"true"`.
var secretKeys = sync.OnceValue(func() map[string]bool {
	out := make(map[string]bool)
	collectSecrets("", reflect.TypeOf(Config{}), out)
	return out
})

func collectSecrets(prefix string, t reflect.Type, out map[string]bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			collectSecrets(name, f.Type, out)
			continue
		}
		if f.Tag.Get("secret") == "true" {
			out[name] = true
		}
	}
}

// IsSecretKey reports whether key names a field that is masked on display.
func IsSecretKey(key string) bool {
	return secretKeys()[key]
}

// Flatten turns the nested JSON form of the config into dot-separated keys,
// so {"backend": {"mode": "local"}} becomes {"backend.mode": "local"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok && len(child) > 0 {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten rebuilds the nested form. A key that is both a value and the
// parent of another key is an error.
func Unflatten(flat map[string]any) (map[string]any, error) {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any)
	for _, k := range keys {
		parts := strings.Split(k, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			switch next := node[part].(type) {
			case nil:
				child := make(map[string]any)
				node[part] = child
				node = child
			case map[string]any:
				node = next
			default:
				return nil, fmt.Errorf("config key %s conflicts with value at %s", k, part)
			}
		}
		leaf := parts[len(parts)-1]
		if _, ok := node[leaf].(map[string]any); ok {
			return nil, fmt.Errorf("config key %s conflicts with nested keys", k)
		}
		node[leaf] = flat[k]
	}
	return out, nil
}

// MaskSecrets returns a copy of flat with secret values reduced to "***"
// plus their last four characters. Empty secrets stay empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !ok || s == "" || !IsSecretKey(k) {
			out[k] = v
			continue
		}
		out[k] = "***" + s[max(0, len(s)-4):]
	}
	return out
}
