// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controlapi

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
)

const (
	streamQueueSize = 512
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     sameHostOrigin,
}

// sameHostOrigin accepts clients without an Origin header (CLI tools) and
// browser pages served from a loopback host.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleLogStream upgrades to a websocket and writes one JSON Line per
// message. ?replay=true sends the history first. A slow client loses the
// oldest queued lines rather than stalling the stack's output.
func (s *Server) handleLogStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade the log stream", "error", err)
		return
	}
	defer ws.Close()

	sub := s.config.Hub.Subscribe(streamQueueSize, c.Query("replay") == "true")
	defer sub.Close()
	s.logger.Debug("log stream client connected", "remote", c.Request.RemoteAddr)

	// The read loop only services control frames and notices the close.
	gone := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	util.SafeGo(func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}, nil)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case line, ok := <-sub.Lines():
			if !ok {
				s.closeStream(ws, websocket.CloseGoingAway, "log hub closed")
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(line); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.baseCtx.Done():
			s.closeStream(ws, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (s *Server) closeStream(ws *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
