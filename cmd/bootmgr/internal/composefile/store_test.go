// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package composefile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleCompose = `# production stack
name: dpt
services:
  api:
    image: ghcr.io/dpt/api:latest
    restart: unless-stopped
    environment:
      FRONTEND_URL: http://localhost:3000
      INITIAL_CONTROLLER_PASSWORD: admin
      LOG_LEVEL: info
    depends_on:
      - db
  web:
    image: ghcr.io/dpt/web:latest
    ports:
      - "3000:3000"
  db:
    image: mysql:8.0
    environment:
      - MYSQL_ROOT_PASSWORD=rootpassword
      - MYSQL_PASSWORD=systempassword
      - MYSQL_DATABASE=dpt
    volumes:
      - dbdata:/var/lib/mysql
volumes:
  dbdata: {}
`

func writeSample(t *testing.T, content string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker-compose.prod.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return NewStore(path, nil)
}

func decode(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, yaml.Unmarshal(data, &out))
	return out
}

// =============================================================================
// DeploymentConfig Tests
// =============================================================================

func TestHostPort(t *testing.T) {
	tests := map[string]string{
		"3000:3000":           "3000",
		"127.0.0.1:8080:3000": "8080",
		"8080:3000/tcp":       "8080",
		" 9000:3000 ":         "9000",
		"[::1]:8443:3000/tcp": "8443",
		"127.0.0.1::3000":     "",
		"3000":                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, HostPort(in), in)
	}
}

func TestNormalize(t *testing.T) {
	t.Run("derives mapping and url", func(t *testing.T) {
		cfg := DeploymentConfig{FrontendPort: "8080", FrontendURL: "http://localhost:3000"}
		require.NoError(t, cfg.Normalize())
		assert.Equal(t, []string{"8080:3000"}, cfg.WebPortMapping)
		assert.Equal(t, "http://localhost:8080", cfg.FrontendURL)
	})

	t.Run("keeps explicit override", func(t *testing.T) {
		cfg := DeploymentConfig{FrontendPort: "8080", FrontendURL: "https://dpt.example.com"}
		require.NoError(t, cfg.Normalize())
		assert.Equal(t, "https://dpt.example.com", cfg.FrontendURL)
	})

	t.Run("falls back to mapping", func(t *testing.T) {
		cfg := DeploymentConfig{WebPortMapping: []string{"4000:3000"}}
		require.NoError(t, cfg.Normalize())
		assert.Equal(t, "4000", cfg.FrontendPort)
		assert.Equal(t, "http://localhost:4000", cfg.FrontendURL)
	})

	t.Run("rewrites only the frontend host port", func(t *testing.T) {
		cfg := DeploymentConfig{
			FrontendPort:   "8080",
			FrontendURL:    "http://127.0.0.1:3000",
			WebPortMapping: []string{"9229:9229", "127.0.0.1:3000:3000/tcp"},
		}
		require.NoError(t, cfg.Normalize())
		assert.Equal(t, []string{"9229:9229", "127.0.0.1:8080:3000/tcp"}, cfg.WebPortMapping)
		assert.Equal(t, "http://localhost:8080", cfg.FrontendURL)
	})

	t.Run("keeps a localhost url on the same port", func(t *testing.T) {
		cfg := DeploymentConfig{FrontendURL: "http://127.0.0.1:3000/app", WebPortMapping: []string{"3000:3000"}}
		require.NoError(t, cfg.Normalize())
		assert.Equal(t, "http://127.0.0.1:3000/app", cfg.FrontendURL)
	})

	t.Run("without a frontend mapping the port stays unmanaged", func(t *testing.T) {
		cfg := DeploymentConfig{FrontendURL: "", WebPortMapping: []string{"9229:9229"}}
		require.NoError(t, cfg.Normalize())
		assert.Empty(t, cfg.FrontendPort)
		assert.Empty(t, cfg.FrontendURL)
		assert.Equal(t, []string{"9229:9229"}, cfg.WebPortMapping)
	})

	for _, bad := range []string{"0", "65536", "abc", "080", "-1"} {
		cfg := DeploymentConfig{FrontendPort: bad}
		assert.ErrorIs(t, cfg.Normalize(), ErrInvalidPort, bad)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Defaults().Redacted()
	assert.Equal(t, "********", cfg.MySQLRootPassword)
	assert.Equal(t, "********", cfg.InitialControllerPassword)
	assert.Equal(t, DefaultFrontendURL, cfg.FrontendURL)
}

// =============================================================================
// Store Tests
// =============================================================================

func TestStore_Load(t *testing.T) {
	s := writeSample(t, sampleCompose)

	cfg, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, DeploymentConfig{
		FrontendPort:              "3000",
		FrontendURL:               "http://localhost:3000",
		MySQLRootPassword:         "rootpassword",
		MySQLUserPassword:         "systempassword",
		InitialControllerPassword: "admin",
		WebPortMapping:            []string{"3000:3000"},
	}, cfg)
}

func TestStore_RoundTripPreservesUnmanagedKeys(t *testing.T) {
	s := writeSample(t, sampleCompose)
	before := decode(t, s.Path())

	cfg, err := s.Load()
	require.NoError(t, err)
	_, err = s.Save(cfg)
	require.NoError(t, err)

	assert.Equal(t, before, decode(t, s.Path()))

	reloaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "# production stack")
}

func TestStore_SaveUnchangedWritesNothing(t *testing.T) {
	content := strings.Replace(sampleCompose, `      - "3000:3000"`,
		"      - \"127.0.0.1:3000:3000\"\n      - \"9229:9229\" # debugger", 1)
	s := writeSample(t, content)

	cfg, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "3000", cfg.FrontendPort)
	assert.Equal(t, []string{"127.0.0.1:3000:3000", "9229:9229"}, cfg.WebPortMapping)

	saved, err := s.Save(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg, saved)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestStore_SavePortKeepsHostIPAndOtherPorts(t *testing.T) {
	content := strings.Replace(sampleCompose, `      - "3000:3000"`,
		"      - \"127.0.0.1:3000:3000\"\n      - \"9229:9229\" # debugger", 1)
	s := writeSample(t, content)

	cfg, err := s.Load()
	require.NoError(t, err)
	cfg.FrontendPort = "8080"
	_, err = s.Save(cfg)
	require.NoError(t, err)

	reloaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:8080:3000", "9229:9229"}, reloaded.WebPortMapping)
	assert.Equal(t, "8080", reloaded.FrontendPort)
	assert.Equal(t, "http://localhost:8080", reloaded.FrontendURL)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "# debugger")
}

func TestStore_SaveIgnoresCallerPortList(t *testing.T) {
	content := strings.Replace(sampleCompose, `      - "3000:3000"`,
		"      - \"3000:3000\"\n      - \"9229:9229\"", 1)
	s := writeSample(t, content)

	cfg := Defaults()
	cfg.FrontendPort = "8080"
	cfg.WebPortMapping = nil
	saved, err := s.Save(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"8080:3000", "9229:9229"}, saved.WebPortMapping)

	reset, err := s.Reset()
	require.NoError(t, err)
	assert.Equal(t, []string{"3000:3000", "9229:9229"}, reset.WebPortMapping)
}

func TestStore_SaveLongSyntaxPort(t *testing.T) {
	content := strings.Replace(sampleCompose, `      - "3000:3000"`,
		"      - target: 3000\n        published: 3000\n        host_ip: 127.0.0.1\n        protocol: tcp", 1)
	s := writeSample(t, content)

	cfg, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:3000:3000/tcp"}, cfg.WebPortMapping)
	assert.Equal(t, "3000", cfg.FrontendPort)

	cfg.FrontendPort = "8080"
	_, err = s.Save(cfg)
	require.NoError(t, err)

	doc := decode(t, s.Path())
	web := doc["services"].(map[string]any)["web"].(map[string]any)
	assert.Equal(t, []any{map[string]any{
		"target":    3000,
		"published": "8080",
		"host_ip":   "127.0.0.1",
		"protocol":  "tcp",
	}}, web["ports"])
}

func TestStore_RoundTripWithoutWebPorts(t *testing.T) {
	content := strings.Replace(sampleCompose, "    ports:\n      - \"3000:3000\"\n", "", 1)
	require.NotEqual(t, sampleCompose, content)
	s := writeSample(t, content)

	cfg, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.FrontendPort)
	assert.Empty(t, cfg.WebPortMapping)

	_, err = s.Save(cfg)
	require.NoError(t, err)
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	cfg.FrontendPort = "8080"
	saved, err := s.Save(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"8080:3000"}, saved.WebPortMapping)
	assert.Equal(t, "http://localhost:8080", saved.FrontendURL)
}

func TestStore_SavePortChange(t *testing.T) {
	s := writeSample(t, sampleCompose)

	cfg, err := s.Load()
	require.NoError(t, err)
	cfg.FrontendPort = "8080"
	saved, err := s.Save(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"8080:3000"}, saved.WebPortMapping)

	reloaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"8080:3000"}, reloaded.WebPortMapping)
	assert.Equal(t, "8080", reloaded.FrontendPort)
	assert.Equal(t, "http://localhost:8080", reloaded.FrontendURL)
}

func TestStore_SaveKeepsEnvListForm(t *testing.T) {
	s := writeSample(t, sampleCompose)

	cfg, err := s.Load()
	require.NoError(t, err)
	cfg.MySQLRootPassword = "s3cret"
	_, err = s.Save(cfg)
	require.NoError(t, err)

	doc := decode(t, s.Path())
	db := doc["services"].(map[string]any)["db"].(map[string]any)
	assert.Equal(t, []any{
		"MYSQL_ROOT_PASSWORD=s3cret",
		"MYSQL_PASSWORD=systempassword",
		"MYSQL_DATABASE=dpt",
	}, db["environment"])
}

func TestStore_SaveQuotesNumericLookingValues(t *testing.T) {
	s := writeSample(t, sampleCompose)

	cfg, err := s.Load()
	require.NoError(t, err)
	cfg.InitialControllerPassword = "12345"
	_, err = s.Save(cfg)
	require.NoError(t, err)

	doc := decode(t, s.Path())
	api := doc["services"].(map[string]any)["api"].(map[string]any)
	assert.Equal(t, "12345", api["environment"].(map[string]any)["INITIAL_CONTROLLER_PASSWORD"])
}

func TestStore_SaveAddsMissingKeys(t *testing.T) {
	s := writeSample(t, "services:\n  api:\n    image: a\n  web:\n    image: w\n  db:\n    image: d\n")

	_, err := s.Save(Defaults())
	require.NoError(t, err)

	cfg, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestStore_SaveMissingService(t *testing.T) {
	s := writeSample(t, "services:\n  api:\n    image: a\n  web:\n    image: w\n")
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	_, err = s.Save(Defaults())
	assert.ErrorIs(t, err, ErrMissingService)

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStore_SaveInvalidPortLeavesFileUntouched(t *testing.T) {
	s := writeSample(t, sampleCompose)

	cfg := Defaults()
	cfg.FrontendPort = "70000"
	_, err := s.Save(cfg)
	assert.ErrorIs(t, err, ErrInvalidPort)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, sampleCompose, string(data))
}

func TestStore_SaveIsAtomic(t *testing.T) {
	s := writeSample(t, sampleCompose)

	cfg := Defaults()
	cfg.FrontendPort = "8080"
	_, err := s.Save(cfg)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file may be left behind")

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestStore_Reset(t *testing.T) {
	s := writeSample(t, sampleCompose)

	cfg, err := s.Load()
	require.NoError(t, err)
	cfg.FrontendPort = "9000"
	cfg.MySQLUserPassword = "changed"
	_, err = s.Save(cfg)
	require.NoError(t, err)

	reset, err := s.Reset()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), reset)

	reloaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), reloaded)
}

func TestStore_LoadErrors(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "missing.yml"), nil).Load()
	assert.ErrorIs(t, err, os.ErrNotExist)

	s := writeSample(t, "services: [unterminated\n")
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrInvalidCompose)

	s = writeSample(t, "- a\n- b\n")
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrInvalidCompose)
}

func TestStore_FrontendURL(t *testing.T) {
	assert.Equal(t, DefaultFrontendURL, NewStore(filepath.Join(t.TempDir(), "x.yml"), nil).FrontendURL())

	s := writeSample(t, sampleCompose)
	cfg, err := s.Load()
	require.NoError(t, err)
	cfg.FrontendURL = "https://dpt.internal"
	_, err = s.Save(cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://dpt.internal", s.FrontendURL())
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidateBytes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	names, err := ValidateBytes(ctx, "docker-compose.prod.yml", []byte(sampleCompose), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "db", "web"}, names)

	_, err = ValidateBytes(ctx, "x.yml", []byte("services:\n  api:\n    image: a\n"), dir)
	assert.ErrorIs(t, err, ErrMissingService)

	_, err = ValidateBytes(ctx, "x.yml", []byte("services:\n  api:\n    image: a\n    ports: 12\n"), dir)
	assert.ErrorIs(t, err, ErrInvalidCompose)
}

func TestStore_Validate(t *testing.T) {
	s := writeSample(t, sampleCompose)
	names, err := s.Validate(context.Background())
	require.NoError(t, err)
	assert.Len(t, names, 3)
}

// =============================================================================
// Watch Tests
// =============================================================================

func TestStore_WatchSeesSave(t *testing.T) {
	s := writeSample(t, sampleCompose)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, func() { changed <- struct{}{} })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	cfg := Defaults()
	cfg.FrontendPort = "8080"
	_, err := s.Save(cfg)
	require.NoError(t, err)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the save")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
