// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds bootmgr's own settings: where the compose file
// lives, how to reach the container runtime, the release feed, logging and
// the local control API.
//
// These are not the deployment settings (ports, passwords) kept in the
// compose file; those belong to composefile.
package config

import (
	"time"
)

// CurrentSettingsVersion is written into new settings files.
const CurrentSettingsVersion = "1"

// Settings is the root of ~/.bootmgr/bootmgr.yaml.
type Settings struct {
	Version   string            `mapstructure:"version"`
	Compose   ComposeSettings   `mapstructure:"compose"`
	Runtime   RuntimeSettings   `mapstructure:"runtime"`
	Update    UpdateSettings    `mapstructure:"update"`
	Logging   LoggingSettings   `mapstructure:"logging"`
	API       APISettings       `mapstructure:"api"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`

	// Path is the file the settings were read from.
	Path string `mapstructure:"-"`
}

// ComposeSettings locate the stack.
type ComposeSettings struct {
	// File is the compose file. Relative paths resolve against the
	// directory holding the bootmgr executable.
	File string `mapstructure:"file" validate:"required"`

	// Command is the orchestration tool, e.g. [docker-compose] or
	// [docker, compose].
	Command []string `mapstructure:"command" validate:"min=1,dive,required"`
}

// RuntimeSettings control how the container runtime is checked and started.
type RuntimeSettings struct {
	Engine string `mapstructure:"engine" validate:"oneof=docker podman"`

	// Check is "command" (<engine> info) or "api" (Engine API ping).
	Check string `mapstructure:"check" validate:"oneof=command api"`

	// DockerHost overrides DOCKER_HOST for the api check.
	DockerHost string `mapstructure:"docker_host"`

	// AutoLaunch starts the runtime when it is not ready.
	AutoLaunch bool `mapstructure:"auto_launch"`

	// LaunchCommand overrides the per-OS launch command.
	LaunchCommand []string `mapstructure:"launch_command"`

	LaunchGrace  time.Duration `mapstructure:"launch_grace" validate:"gte=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`

	// ReadyTimeout bounds the wait for the runtime. 0 waits forever.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" validate:"gte=0"`

	CheckTimeout time.Duration `mapstructure:"check_timeout" validate:"gt=0"`

	// StopTimeout bounds the stack teardown on exit.
	StopTimeout time.Duration `mapstructure:"stop_timeout" validate:"gt=0"`
}

// UpdateSettings point at the release feed.
type UpdateSettings struct {
	APIBaseURL string `mapstructure:"api_base_url" validate:"required,url"`

	// Repository is "owner/name".
	Repository string `mapstructure:"repository" validate:"required,contains=/"`

	// Token is the bearer credential. Prefer BOOTMGR_UPDATE_TOKEN over
	// writing it to the file.
	Token string `mapstructure:"token"`

	ExecutableSuffix string        `mapstructure:"executable_suffix" validate:"required"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	DownloadTimeout  time.Duration `mapstructure:"download_timeout" validate:"gt=0"`

	// CheckOnStart runs an update check when the console opens.
	CheckOnStart bool `mapstructure:"check_on_start"`
}

// LoggingSettings configure pkg/logging.
type LoggingSettings struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Dir receives one JSON log file per day. Empty disables file logging.
	Dir  string `mapstructure:"dir"`
	JSON bool   `mapstructure:"json"`
}

// APISettings configure the local control API.
type APISettings struct {
	Listen string `mapstructure:"listen" validate:"required,hostname_port"`
}

// TelemetrySettings configure metrics and tracing.
type TelemetrySettings struct {
	Metrics       bool   `mapstructure:"metrics"`
	TraceExporter string `mapstructure:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
}

// Redacted returns a copy with the token masked.
func (s Settings) Redacted() Settings {
	if s.Update.Token != "" {
		s.Update.Token = "********"
	}
	return s
}
