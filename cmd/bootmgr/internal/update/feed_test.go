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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGitHub serves /repos/acme/bootmgr the way the releases API does:
// metadata as JSON and asset downloads through a redirect.
type fakeGitHub struct {
	release  ReleaseInfo
	content  map[int64][]byte
	status   int
	authSeen []string
}

func (g *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/bootmgr/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		g.authSeen = append(g.authSeen, r.Header.Get("Authorization"))
		if g.status != 0 {
			http.Error(w, `{"message":"Not Found"}`, g.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(g.release)
	})
	mux.HandleFunc("/repos/acme/bootmgr/releases/assets/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/octet-stream" {
			http.Error(w, "wrong accept", http.StatusNotAcceptable)
			return
		}
		http.Redirect(w, r, "/blobs"+r.URL.Path[len("/repos/acme/bootmgr/releases/assets"):], http.StatusFound)
	})
	mux.HandleFunc("/blobs/", func(w http.ResponseWriter, r *http.Request) {
		for id, data := range g.content {
			if r.URL.Path == "/blobs/"+strconv.FormatInt(id, 10) {
				_, _ = w.Write(data)
				return
			}
		}
		http.NotFound(w, r)
	})
	return mux
}

func newFakeFeed(t *testing.T, g *fakeGitHub, token string) *GitHubFeed {
	t.Helper()
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)
	feed, err := NewGitHubFeed(FeedConfig{
		BaseURL:    srv.URL,
		Repository: "acme/bootmgr",
		Token:      token,
		HTTPClient: srv.Client(),
	}, nil)
	require.NoError(t, err)
	return feed
}

func TestGitHubFeed_Latest(t *testing.T) {
	g := &fakeGitHub{release: ReleaseInfo{
		Tag: "v1.4.0",
		Assets: []Asset{
			{ID: 11, Name: "bootmgr.exe", Size: 4},
			{ID: 12, Name: "docker-compose.prod.yml", Size: 9},
		},
	}}
	feed := newFakeFeed(t, g, "s3cret")

	rel, err := feed.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.4.0", rel.Tag)
	require.Len(t, rel.Assets, 2)
	assert.Equal(t, int64(12), rel.Assets[1].ID)
	assert.Equal(t, []string{"Bearer s3cret"}, g.authSeen)
}

func TestGitHubFeed_LatestWithoutToken(t *testing.T) {
	g := &fakeGitHub{release: ReleaseInfo{Tag: "v1"}}
	feed := newFakeFeed(t, g, "")

	_, err := feed.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{""}, g.authSeen)
}

func TestGitHubFeed_HTTPError(t *testing.T) {
	g := &fakeGitHub{status: http.StatusNotFound}
	feed := newFakeFeed(t, g, "")

	_, err := feed.Latest(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFeedUnreachable))

	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusNotFound, ue.StatusCode)
	assert.Contains(t, ue.Remediation, "update.repository")
	assert.Contains(t, ue.FullError(), "HTTP 404")
}

func TestGitHubFeed_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	feed, err := NewGitHubFeed(FeedConfig{BaseURL: url, Repository: "acme/bootmgr"}, nil)
	require.NoError(t, err)

	_, err = feed.Latest(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFeedUnreachable))
	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Zero(t, ue.StatusCode)
}

func TestGitHubFeed_MissingTag(t *testing.T) {
	feed := newFakeFeed(t, &fakeGitHub{}, "")
	_, err := feed.Latest(context.Background())
	assert.True(t, errors.Is(err, ErrFeedUnreachable))
}

func TestGitHubFeed_DownloadFollowsRedirect(t *testing.T) {
	g := &fakeGitHub{content: map[int64][]byte{11: []byte("MZ\x90\x00")}}
	feed := newFakeFeed(t, g, "")

	var buf bytes.Buffer
	n, err := feed.Download(context.Background(), Asset{ID: 11, Name: "bootmgr.exe"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, "MZ\x90\x00", buf.String())
}

func TestGitHubFeed_DownloadMissingAsset(t *testing.T) {
	feed := newFakeFeed(t, &fakeGitHub{}, "")

	_, err := feed.Download(context.Background(), Asset{ID: 99, Name: "gone.exe"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDownloadFailure))
	assert.False(t, errors.Is(err, ErrFeedUnreachable))
}

func TestNewGitHubFeed_RejectsBadRepository(t *testing.T) {
	for _, repo := range []string{"", "bootmgr", "a/b/c"} {
		_, err := NewGitHubFeed(FeedConfig{Repository: repo}, nil)
		assert.Error(t, err, repo)
	}
}
