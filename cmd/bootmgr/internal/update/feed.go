// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
	"github.com/dpt-tools/bootmgr/pkg/logging"
)

// DefaultBaseURL is the GitHub REST API root.
const DefaultBaseURL = "https://api.github.com"

// DefaultDownloadTimeout bounds one asset download.
const DefaultDownloadTimeout = 10 * time.Minute

// -----------------------------------------------------------------------------
// Data Types
// -----------------------------------------------------------------------------

// Asset is a downloadable file attached to a release.
type Asset struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// ReleaseInfo is the latest release as reported by the feed.
type ReleaseInfo struct {
	Tag         string    `json:"tag_name"`
	Name        string    `json:"name,omitempty"`
	HTMLURL     string    `json:"html_url,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	Assets      []Asset   `json:"assets"`
}

// Feed is the release source.
type Feed interface {
	// Latest fetches the latest release. Failures are *Error with
	// KindFeedUnreachable.
	Latest(ctx context.Context) (*ReleaseInfo, error)

	// Download streams an asset's content into w. Failures are *Error
	// with KindDownloadFailure.
	Download(ctx context.Context, asset Asset, w io.Writer) (int64, error)
}

// -----------------------------------------------------------------------------
// GitHubFeed
// -----------------------------------------------------------------------------

// FeedConfig configures a GitHubFeed.
type FeedConfig struct {
	// BaseURL is the API root. Default: https://api.github.com
	BaseURL string

	// Repository is "owner/name". Required.
	Repository string

	// Token is sent as "Authorization: Bearer <token>". Optional for
	// public repositories.
	Token string

	// UserAgent identifies bootmgr to the API.
	UserAgent string

	// Timeout bounds the metadata request. Default: 30s.
	Timeout time.Duration

	// DownloadTimeout bounds one asset download. Default: 10m.
	DownloadTimeout time.Duration

	// HTTPClient overrides the transport (tests). Redirects must be followed.
	HTTPClient *http.Client
}

// GitHubFeed reads releases from the GitHub REST API.
//
// # Description
//
//	GET {base}/repos/{repo}/releases/latest
//	GET {base}/repos/{repo}/releases/assets/{id}   (Accept: application/octet-stream)
//
// The asset request answers with a redirect to storage; net/http follows
// it and drops the Authorization header when the host changes.
//
// # Security
//
// The bearer token lives in a memguard enclave and is decrypted only
// while a request header is being set.
type GitHubFeed struct {
	baseURL         string
	repository      string
	token           *memguard.Enclave
	userAgent       string
	timeout         time.Duration
	downloadTimeout time.Duration
	client          *http.Client
	logger          *logging.Logger
}

// NewGitHubFeed validates cfg and seals the token.
func NewGitHubFeed(cfg FeedConfig, logger *logging.Logger) (*GitHubFeed, error) {
	repo := strings.Trim(cfg.Repository, "/")
	if strings.Count(repo, "/") != 1 {
		return nil, fmt.Errorf("repository must be owner/name, got %q", cfg.Repository)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "bootmgr"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	f := &GitHubFeed{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		repository:      repo,
		userAgent:       cfg.UserAgent,
		timeout:         util.EnforceMinTimeout(util.EnforceDefaultTimeout(cfg.Timeout, util.DefaultHTTPTimeout), util.MinHTTPTimeout),
		downloadTimeout: util.EnforceDefaultTimeout(cfg.DownloadTimeout, DefaultDownloadTimeout),
		client:          client,
		logger:          logging.OrDiscard(logger),
	}
	if cfg.Token != "" {
		// NewEnclave wipes the slice it is given.
		f.token = memguard.NewEnclave([]byte(cfg.Token))
	}
	return f, nil
}

// Latest fetches the latest release.
func (f *GitHubFeed) Latest(ctx context.Context) (*ReleaseInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/repos/%s/releases/latest", f.baseURL, f.repository)
	req, err := f.newRequest(ctx, url, "application/vnd.github+json")
	if err != nil {
		return nil, &Error{
			Kind:        KindFeedUnreachable,
			Message:     "Failed to create release request",
			Detail:      err.Error(),
			Remediation: "Check update.api_base_url and update.repository in the settings file",
			Err:         err,
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{
			Kind:        KindFeedUnreachable,
			Message:     "Cannot reach the release feed (no network)",
			Detail:      err.Error(),
			Remediation: fmt.Sprintf("Check the network connection to %s", f.baseURL),
			Err:         err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(KindFeedUnreachable, "Release feed", resp)
	}

	var rel ReleaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, &Error{
			Kind:        KindFeedUnreachable,
			Message:     "Failed to parse release metadata",
			Detail:      err.Error(),
			Remediation: "The feed may not be a GitHub-compatible API",
			Err:         err,
		}
	}
	if rel.Tag == "" {
		return nil, &Error{
			Kind:        KindFeedUnreachable,
			Message:     "Release metadata has no tag",
			Remediation: "The feed may not be a GitHub-compatible API",
		}
	}

	f.logger.Debug("fetched latest release", "tag", rel.Tag, "assets", len(rel.Assets))
	return &rel, nil
}

// Download streams the asset into w.
func (f *GitHubFeed) Download(ctx context.Context, asset Asset, w io.Writer) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.downloadTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/repos/%s/releases/assets/%d", f.baseURL, f.repository, asset.ID)
	req, err := f.newRequest(ctx, url, "application/octet-stream")
	if err != nil {
		return 0, &Error{Kind: KindDownloadFailure, Message: "Failed to create download request", Detail: err.Error(), Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, &Error{
			Kind:        KindDownloadFailure,
			Message:     fmt.Sprintf("Cannot download %s (no network)", asset.Name),
			Detail:      err.Error(),
			Remediation: "Check the network connection and try again",
			Err:         err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError(KindDownloadFailure, "Download of "+asset.Name, resp)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &Error{
			Kind:        KindDownloadFailure,
			Message:     fmt.Sprintf("Download of %s was interrupted after %d bytes", asset.Name, n),
			Detail:      err.Error(),
			Remediation: "Try again; nothing was installed",
			Err:         err,
		}
	}
	return n, nil
}

func (f *GitHubFeed) newRequest(ctx context.Context, url, accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if f.token != nil {
		buf, err := f.token.Open()
		if err != nil {
			return nil, fmt.Errorf("open token enclave: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+buf.String())
		buf.Destroy()
	}
	return req, nil
}

func statusError(kind ErrorKind, what string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &Error{
		Kind:       kind,
		Message:    fmt.Sprintf("%s returned HTTP %d", what, resp.StatusCode),
		Detail:     strings.TrimSpace(string(body)),
		StatusCode: resp.StatusCode,
		Err:        errors.New(resp.Status),
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Remediation = "Check the update token (update.token or BOOTMGR_UPDATE_TOKEN)"
	case http.StatusNotFound:
		e.Remediation = "Check update.repository; private repositories also need a token"
	default:
		e.Remediation = "Try again later"
	}
	return e
}

var _ Feed = (*GitHubFeed)(nil)
