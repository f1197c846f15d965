// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package composefile reads and writes the deployment settings that live
// inside the stack's compose file.
//
// The compose file is edited at the YAML node level, so keys, ordering and
// comments that bootmgr does not manage survive every save.
package composefile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dpt-tools/bootmgr/pkg/logging"
)

// Store loads and saves a DeploymentConfig in one compose file.
//
// # Thread Safety
//
// Load, Save and Reset are serialized by an internal mutex. Concurrent
// writers in other processes are excluded by the single-instance lock held
// by the drivers, not by Store.
type Store struct {
	path   string
	logger *logging.Logger
	mu     sync.Mutex
}

// NewStore returns a Store for the compose file at path.
func NewStore(path string, logger *logging.Logger) *Store {
	return &Store{path: path, logger: logging.OrDiscard(logger)}
}

// Path returns the compose file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the managed fields.
//
// # Description
//
// Load is lenient: a missing service or key yields an empty field rather
// than an error, so a partially written file can still be inspected and
// repaired. FrontendPort is derived from the first web port mapping.
//
// # Outputs
//
//   - DeploymentConfig: the stored values
//   - error: read failure or ErrInvalidCompose
func (s *Store) Load() (DeploymentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return DeploymentConfig{}, err
	}
	return extract(doc), nil
}

// Save normalizes cfg and writes it into the compose file.
//
// # Description
//
// cfg.WebPortMapping is replaced by the file's own web ports before
// Normalize, so a save only moves the frontend mapping's host port.
// When the result equals what the file already holds nothing is written.
// Otherwise the whole file is rewritten atomically: a temp file in the
// same directory is written, synced and renamed over the original. Every
// key outside the managed ones is preserved.
//
// # Outputs
//
//   - DeploymentConfig: cfg after Normalize, as written
//   - error: ErrInvalidPort, ErrMissingService, ErrInvalidCompose or I/O
func (s *Store) Save(cfg DeploymentConfig) (DeploymentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return cfg, err
	}
	if err := requireServices(doc); err != nil {
		return cfg, err
	}
	current := extract(doc)
	cfg.WebPortMapping = current.WebPortMapping
	if err := cfg.Normalize(); err != nil {
		return cfg, err
	}
	if cfg.Equal(current) {
		s.logger.Debug("deployment config unchanged", "path", s.path)
		return cfg, nil
	}

	apply(doc, cfg)
	data, err := encodeDocument(doc)
	if err != nil {
		return cfg, err
	}
	if err := writeAtomic(s.path, data); err != nil {
		return cfg, err
	}

	s.logger.Info("deployment config saved",
		"path", s.path,
		"frontend_port", cfg.FrontendPort,
		"frontend_url", cfg.FrontendURL)
	return cfg, nil
}

// Reset writes the factory defaults. Web port mappings other than the
// frontend one are kept.
func (s *Store) Reset() (DeploymentConfig, error) {
	s.logger.Info("resetting deployment config to defaults", "path", s.path)
	return s.Save(Defaults())
}

// FrontendURL returns the stored frontend URL, or the default when the
// file or key is missing.
func (s *Store) FrontendURL() string {
	cfg, err := s.Load()
	if err != nil || cfg.FrontendURL == "" {
		return DefaultFrontendURL
	}
	return cfg.FrontendURL
}

func (s *Store) readDocument() (*yaml.Node, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	node, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	return node, nil
}

func extract(doc *yaml.Node) DeploymentConfig {
	var cfg DeploymentConfig
	if api := service(doc, ServiceAPI); api != nil {
		cfg.FrontendURL, _ = envGet(api, EnvFrontendURL)
		cfg.InitialControllerPassword, _ = envGet(api, EnvInitialControllerPassword)
	}
	if db := service(doc, ServiceDB); db != nil {
		cfg.MySQLRootPassword, _ = envGet(db, EnvMySQLRootPassword)
		cfg.MySQLUserPassword, _ = envGet(db, EnvMySQLPassword)
	}
	if web := service(doc, ServiceWeb); web != nil {
		cfg.WebPortMapping = portsGet(web)
	}
	if i := FrontendMapping(cfg.WebPortMapping); i >= 0 {
		cfg.FrontendPort = HostPort(cfg.WebPortMapping[i])
	}
	return cfg
}

func requireServices(doc *yaml.Node) error {
	for _, name := range ManagedServices {
		if service(doc, name) == nil {
			return fmt.Errorf("%w: services.%s", ErrMissingService, name)
		}
	}
	return nil
}

// apply writes the managed values that differ from the document. An
// absent key is only added when it gets a value.
func apply(doc *yaml.Node, cfg DeploymentConfig) {
	api := service(doc, ServiceAPI)
	web := service(doc, ServiceWeb)
	db := service(doc, ServiceDB)

	envUpdate(api, EnvFrontendURL, cfg.FrontendURL)
	envUpdate(api, EnvInitialControllerPassword, cfg.InitialControllerPassword)
	envUpdate(db, EnvMySQLRootPassword, cfg.MySQLRootPassword)
	envUpdate(db, EnvMySQLPassword, cfg.MySQLUserPassword)
	portsSet(web, cfg.WebPortMapping)
}

func envUpdate(svc *yaml.Node, key, value string) {
	current, ok := envGet(svc, key)
	if (ok && current == value) || (!ok && value == "") {
		return
	}
	envSet(svc, key, value)
}

// writeAtomic replaces path with data, keeping the original file mode.
func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp compose file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp compose file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp compose file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp compose file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("chmod temp compose file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace compose file: %w", err)
	}
	committed = true
	return nil
}

// Watch calls onChange whenever the compose file is rewritten on disk,
// until ctx is done. See watch.go.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	return watchFile(ctx, s.path, s.logger, onChange)
}
