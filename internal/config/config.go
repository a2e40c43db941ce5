// Package config loads flag defaults from a YAML file.
//
// The file is a flat mapping from flag name to value:
//
//	socks5-listen: 127.0.0.1:1080
//	upstream: ssh://proxy@bastion.example:22
//	dial-timeout: 5s
//	dns-server: [10.0.0.2, 10.0.0.3]
//
// Underscores in keys are accepted in place of dashes. Values given on the
// command line take precedence over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// File holds flag values keyed by flag name.
type File map[string]string

// Load reads and parses the YAML file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config data.
func Parse(data []byte) (File, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	f := make(File, len(raw))
	for k, v := range raw {
		s, err := formatValue(v)
		if err != nil {
			return nil, fmt.Errorf("config key %q: %w", k, err)
		}
		f[strings.ReplaceAll(k, "_", "-")] = s
	}
	return f, nil
}

func formatValue(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(v), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			s, err := formatValue(e)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// Apply sets every flag in fs named by f that wasn't set on the command
// line. Keys that name no flag are an error.
func (f File) Apply(fs *pflag.FlagSet) error {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var errs []error
	for _, k := range keys {
		fl := fs.Lookup(k)
		if fl == nil {
			errs = append(errs, fmt.Errorf("unknown config key %q", k))
			continue
		}
		if fl.Changed {
			continue
		}
		if err := fs.Set(k, f[k]); err != nil {
			errs = append(errs, fmt.Errorf("config key %q: %w", k, err))
		}
	}
	return errors.Join(errs...)
}
