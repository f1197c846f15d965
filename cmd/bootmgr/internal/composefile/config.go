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
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrInvalidPort is returned when FrontendPort is not a port number.
	ErrInvalidPort = errors.New("invalid frontend port")

	// ErrMissingService is returned when the compose file lacks a service
	// whose settings bootmgr manages.
	ErrMissingService = errors.New("compose file is missing a managed service")

	// ErrInvalidCompose is returned when the file is not valid YAML or
	// compose-go rejects it.
	ErrInvalidCompose = errors.New("invalid compose file")

	// ErrConfigLocked is returned when deployment settings are edited
	// while the stack is not stopped.
	ErrConfigLocked = errors.New("stop the stack before changing deployment settings")
)

// =============================================================================
// Layout Constants
// =============================================================================

// Service names and environment keys bootmgr reads and writes.
const (
	ServiceAPI = "api"
	ServiceWeb = "web"
	ServiceDB  = "db"

	EnvFrontendURL               = "FRONTEND_URL"
	EnvInitialControllerPassword = "INITIAL_CONTROLLER_PASSWORD"
	EnvMySQLRootPassword         = "MYSQL_ROOT_PASSWORD"
	EnvMySQLPassword             = "MYSQL_PASSWORD"

	// WebContainerPort is the port the web container listens on.
	WebContainerPort = "3000"
)

// Factory defaults restored by Reset.
const (
	DefaultFrontendPort              = "3000"
	DefaultFrontendURL               = "http://localhost:3000"
	DefaultInitialControllerPassword = "admin"
	DefaultMySQLRootPassword         = "rootpassword"
	DefaultMySQLPassword             = "systempassword"
)

// ManagedServices lists the services a deployment must define.
var ManagedServices = []string{ServiceAPI, ServiceWeb, ServiceDB}

// =============================================================================
// DeploymentConfig
// =============================================================================

// DeploymentConfig is the user-editable slice of the compose file.
//
// # Description
//
// The compose file is the only store; there is no separate settings
// file for these values. WebPortMapping mirrors services.web.ports and is
// read-only for callers: Store.Save takes the list from the file and
// rewrites only the host port of the frontend mapping (the first entry
// targeting container port 3000). FrontendURL points at FrontendPort
// unless the user set a non-localhost URL (for example a reverse proxy
// hostname).
type DeploymentConfig struct {
	FrontendPort              string   `json:"frontend_port"`
	FrontendURL               string   `json:"frontend_url"`
	MySQLRootPassword         string   `json:"mysql_root_password"`
	MySQLUserPassword         string   `json:"mysql_user_password"`
	InitialControllerPassword string   `json:"initial_controller_password"`
	WebPortMapping            []string `json:"web_port_mapping"`
}

// Defaults returns the factory configuration.
func Defaults() DeploymentConfig {
	return DeploymentConfig{
		FrontendPort:              DefaultFrontendPort,
		FrontendURL:               DefaultFrontendURL,
		MySQLRootPassword:         DefaultMySQLRootPassword,
		MySQLUserPassword:         DefaultMySQLPassword,
		InitialControllerPassword: DefaultInitialControllerPassword,
		WebPortMapping:            []string{DefaultFrontendPort + ":" + WebContainerPort},
	}
}

// Normalize validates the port and re-derives the dependent fields.
//
// # Description
//
//  1. FrontendPort falls back to the host port of the frontend mapping
//  2. With no port and no frontend mapping the port is left unmanaged
//  3. FrontendPort must be a decimal in 1..65535
//  4. The frontend mapping gets the port as its host port, keeping its
//     host IP and protocol; "<port>:3000" is appended when there is none.
//     Every other mapping is kept as is.
//  5. An empty FrontendURL, or a localhost one on another port, becomes
//     "http://localhost:<port>"
//
// # Outputs
//
//   - error: wraps ErrInvalidPort
func (c *DeploymentConfig) Normalize() error {
	port := strings.TrimSpace(c.FrontendPort)
	idx := FrontendMapping(c.WebPortMapping)
	if port == "" && idx >= 0 {
		port = HostPort(c.WebPortMapping[idx])
	}
	if port == "" {
		c.FrontendPort = ""
		return nil
	}
	if err := ValidatePort(port); err != nil {
		return err
	}

	c.FrontendPort = port
	mappings := append([]string(nil), c.WebPortMapping...)
	if idx >= 0 {
		m := parsePortMapping(mappings[idx])
		m.host = port
		mappings[idx] = m.String()
	} else {
		mappings = append(mappings, port+":"+WebContainerPort)
	}
	c.WebPortMapping = mappings

	if c.FrontendURL == "" || (IsLocalURL(c.FrontendURL) && urlPort(c.FrontendURL) != port) {
		c.FrontendURL = "http://localhost:" + port
	}
	return nil
}

// Equal reports whether c and o hold the same values.
func (c DeploymentConfig) Equal(o DeploymentConfig) bool {
	return c.FrontendPort == o.FrontendPort &&
		c.FrontendURL == o.FrontendURL &&
		c.MySQLRootPassword == o.MySQLRootPassword &&
		c.MySQLUserPassword == o.MySQLUserPassword &&
		c.InitialControllerPassword == o.InitialControllerPassword &&
		slices.Equal(c.WebPortMapping, o.WebPortMapping)
}

// RedactedSecret replaces passwords in Redacted output.
const RedactedSecret = "********"

// Redacted returns a copy with passwords masked, for logs and status output.
func (c DeploymentConfig) Redacted() DeploymentConfig {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return RedactedSecret
	}
	c.MySQLRootPassword = mask(c.MySQLRootPassword)
	c.MySQLUserPassword = mask(c.MySQLUserPassword)
	c.InitialControllerPassword = mask(c.InitialControllerPassword)
	c.WebPortMapping = append([]string(nil), c.WebPortMapping...)
	return c
}

// KeepSecrets copies passwords from prev wherever c still carries the
// RedactedSecret mask, so a redacted read can be edited and saved back.
func (c *DeploymentConfig) KeepSecrets(prev DeploymentConfig) {
	keep := func(dst *string, old string) {
		if *dst == RedactedSecret {
			*dst = old
		}
	}
	keep(&c.MySQLRootPassword, prev.MySQLRootPassword)
	keep(&c.MySQLUserPassword, prev.MySQLUserPassword)
	keep(&c.InitialControllerPassword, prev.InitialControllerPassword)
}

// ValidatePort checks that s is a decimal TCP port in 1..65535.
func ValidatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 || strconv.Itoa(n) != s {
		return fmt.Errorf("%w: %q (want 1-65535)", ErrInvalidPort, s)
	}
	return nil
}

// HostPort extracts the published host port from a short-syntax port
// mapping. It is empty when the mapping publishes no fixed host port.
//
//	HostPort("3000:3000")           // "3000"
//	HostPort("127.0.0.1:8080:3000") // "8080"
//	HostPort("8080:3000/tcp")       // "8080"
func HostPort(mapping string) string {
	return parsePortMapping(mapping).host
}

// FrontendMapping returns the index of the first mapping that targets the
// web container port, or -1.
func FrontendMapping(mappings []string) int {
	for i, m := range mappings {
		if parsePortMapping(m).container == WebContainerPort {
			return i
		}
	}
	return -1
}

// portMapping is a short-syntax port entry:
// [[host_ip:]host_port:]container_port[/protocol].
type portMapping struct {
	hostIP    string
	host      string
	container string
	proto     string
}

func parsePortMapping(s string) portMapping {
	var m portMapping
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		m.proto = s[i+1:]
		s = s[:i]
	}
	if strings.HasPrefix(s, "[") {
		if i := strings.Index(s, "]:"); i >= 0 {
			m.hostIP = s[:i+1]
			s = s[i+2:]
		}
	}
	parts := strings.Split(s, ":")
	switch n := len(parts); n {
	case 1:
		m.container = parts[0]
	case 2:
		m.host, m.container = parts[0], parts[1]
	default:
		m.hostIP = strings.Join(parts[:n-2], ":")
		m.host, m.container = parts[n-2], parts[n-1]
	}
	return m
}

func (m portMapping) String() string {
	s := m.container
	if m.host != "" || m.hostIP != "" {
		s = m.host + ":" + s
	}
	if m.hostIP != "" {
		s = m.hostIP + ":" + s
	}
	if m.proto != "" {
		s += "/" + m.proto
	}
	return s
}

// urlPort returns the explicit or scheme-implied port of raw.
func urlPort(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if p := u.Port(); p != "" {
		return p
	}
	switch u.Scheme {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

// IsLocalURL reports whether raw points at this machine.
func IsLocalURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
