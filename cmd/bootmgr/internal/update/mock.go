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
	"fmt"
	"io"
	"sync"
)

// MockFeed serves a fixed release from memory.
type MockFeed struct {
	Release   *ReleaseInfo
	LatestErr error

	// Content maps asset IDs to their bytes.
	Content map[int64][]byte

	// DownloadErr maps asset IDs to a forced failure.
	DownloadErr map[int64]error

	mu        sync.Mutex
	downloads []int64
}

// Latest returns Release or LatestErr.
func (m *MockFeed) Latest(ctx context.Context) (*ReleaseInfo, error) {
	if m.LatestErr != nil {
		return nil, m.LatestErr
	}
	if m.Release == nil {
		return nil, &Error{Kind: KindFeedUnreachable, Message: "no release"}
	}
	rel := *m.Release
	rel.Assets = append([]Asset(nil), m.Release.Assets...)
	return &rel, nil
}

// Download writes Content[asset.ID] to w.
func (m *MockFeed) Download(ctx context.Context, asset Asset, w io.Writer) (int64, error) {
	m.mu.Lock()
	m.downloads = append(m.downloads, asset.ID)
	m.mu.Unlock()

	if err := m.DownloadErr[asset.ID]; err != nil {
		return 0, err
	}
	data, ok := m.Content[asset.ID]
	if !ok {
		return 0, &Error{Kind: KindDownloadFailure, Message: fmt.Sprintf("asset %d not found", asset.ID), StatusCode: 404}
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Downloads returns the downloaded asset IDs in order.
func (m *MockFeed) Downloads() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.downloads...)
}

var _ Feed = (*MockFeed)(nil)
