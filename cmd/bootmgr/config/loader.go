// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides: update.token is read from
// BOOTMGR_UPDATE_TOKEN.
const EnvPrefix = "BOOTMGR"

// ErrInvalidSettings wraps validation failures.
var ErrInvalidSettings = errors.New("invalid settings")

var settingsValidate = validator.New()

// defaults lists every key with its default value. It seeds viper (so
// environment overrides work for keys missing from the file) and the
// first-run settings file.
var defaults = []struct {
	key   string
	value any
}{
	{"version", CurrentSettingsVersion},
	{"compose.file", "docker-compose.prod.yml"},
	{"compose.command", []string{"docker-compose"}},
	{"runtime.engine", "docker"},
	{"runtime.check", "command"},
	{"runtime.docker_host", ""},
	{"runtime.auto_launch", true},
	{"runtime.launch_command", []string{}},
	{"runtime.launch_grace", 10 * time.Second},
	{"runtime.poll_interval", 5 * time.Second},
	{"runtime.ready_timeout", 5 * time.Minute},
	{"runtime.check_timeout", 15 * time.Second},
	{"runtime.stop_timeout", 60 * time.Second},
	{"update.api_base_url", "https://api.github.com"},
	{"update.repository", "dpt-tools/bootmgr"},
	{"update.token", ""},
	{"update.executable_suffix", ".exe"},
	{"update.timeout", 30 * time.Second},
	{"update.download_timeout", 10 * time.Minute},
	{"update.check_on_start", true},
	{"logging.level", "info"},
	{"logging.dir", "~/.bootmgr/logs"},
	{"logging.json", false},
	{"api.listen", "127.0.0.1:7878"},
	{"telemetry.metrics", true},
	{"telemetry.trace_exporter", "none"},
	{"telemetry.otlp_endpoint", "localhost:4317"},
}

// DefaultPath returns ~/.bootmgr/bootmgr.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".bootmgr", "bootmgr.yaml"), nil
}

// Load reads settings from path, creating a default file on first run.
//
// # Description
//
// An empty path means DefaultPath(). Values come from, in order of
// precedence: BOOTMGR_* environment variables, the file, the defaults.
// Durations are Go duration strings ("5s", "2m30s").
//
// # Outputs
//
//   - *Settings: validated settings with Path set
//   - error: read or parse failure, or ErrInvalidSettings
func Load(path string) (*Settings, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("error checking settings file %s: %w", path, err)
	}

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading settings file %s: %w", path, err)
	}

	s, err := decode(v)
	if err != nil {
		return nil, fmt.Errorf("error in settings file %s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// Defaults returns the built-in settings with environment overrides
// applied and no file read.
func Defaults() (*Settings, error) {
	return decode(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	for _, d := range defaults {
		v.SetDefault(d.key, d.value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the struct tags.
func (s *Settings) Validate() error {
	err := settingsValidate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q", settingsKey(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(msgs, "; "))
}

// settingsKey maps "Settings.Runtime.PollInterval" back to the file key
// "runtime.poll_interval".
func settingsKey(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 0 && parts[0] == "Settings" {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	switch s {
	case "API":
		return "api"
	case "APIBaseURL":
		return "api_base_url"
	case "OTLPEndpoint":
		return "otlp_endpoint"
	case "JSON":
		return "json"
	}
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// createDefault writes the defaults as a nested YAML document.
func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the settings directory: %w", err)
	}

	doc := map[string]any{}
	for _, d := range defaults {
		if d.key == "update.token" {
			continue
		}
		value := d.value
		if dur, ok := value.(time.Duration); ok {
			value = dur.String()
		}
		setNested(doc, strings.Split(d.key, "."), value)
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	header := "# bootmgr settings. Environment variables BOOTMGR_<SECTION>_<KEY> override these values.\n"
	return os.WriteFile(path, append([]byte(header), data...), 0o600)
}

func setNested(m map[string]any, keys []string, value any) {
	for _, k := range keys[:len(keys)-1] {
		child, ok := m[k].(map[string]any)
		if !ok {
			child = map[string]any{}
			m[k] = child
		}
		m = child
	}
	m[keys[len(keys)-1]] = value
}

// ComposePath resolves Compose.File. Relative paths resolve against
// exeDir.
func (s *Settings) ComposePath(exeDir string) string {
	file := expandHome(s.Compose.File)
	if filepath.IsAbs(file) {
		return filepath.Clean(file)
	}
	return filepath.Join(exeDir, file)
}

// LogDir returns Logging.Dir with ~ expanded.
func (s *Settings) LogDir() string {
	return expandHome(s.Logging.Dir)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
