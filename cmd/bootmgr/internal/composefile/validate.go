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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	composeTypes "github.com/compose-spec/compose-go/v2/types"
)

// ValidateFile runs ValidateBytes on the file at path.
func ValidateFile(ctx context.Context, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	return ValidateBytes(ctx, path, data, filepath.Dir(path))
}

// ValidateBytes checks that content is a compose project bootmgr can drive.
//
// # Description
//
// The content is loaded with compose-go, which applies the Compose
// schema, interpolation and consistency checks. The
// project must then define the api, web and db services. Environment
// files are not resolved; the download location of an update may not
// have them yet.
//
// # Outputs
//
//   - []string: the project's service names, sorted
//   - error: wraps ErrInvalidCompose or ErrMissingService
func ValidateBytes(ctx context.Context, filename string, content []byte, workingDir string) ([]string, error) {
	details := composeTypes.ConfigDetails{
		WorkingDir: workingDir,
		ConfigFiles: []composeTypes.ConfigFile{
			{Filename: filename, Content: content},
		},
		Environment: osEnvironment(),
	}

	project, err := loader.LoadWithContext(ctx, details, func(options *loader.Options) {
		options.SetProjectName("bootmgr", true)
		options.SkipResolveEnvironment = true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCompose, err)
	}

	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, want := range ManagedServices {
		if _, ok := project.Services[want]; !ok {
			return names, fmt.Errorf("%w: services.%s", ErrMissingService, want)
		}
	}
	return names, nil
}

// Validate checks the store's compose file.
func (s *Store) Validate(ctx context.Context) ([]string, error) {
	return ValidateFile(ctx, s.path)
}

func osEnvironment() composeTypes.Mapping {
	env := composeTypes.Mapping{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}
	return env
}
