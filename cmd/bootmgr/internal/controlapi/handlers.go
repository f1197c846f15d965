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
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/composefile"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/lifecycle"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/update"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
)

// ApplyRequest is the body of POST /v1/update/apply.
type ApplyRequest struct {
	// Confirm must be true; the update replaces the running executable.
	Confirm bool `json:"confirm"`

	// Tag, when set, must match the feed's latest tag. It guards against
	// the feed moving between the client's check and its apply.
	Tag string `json:"tag,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error       string `json:"error"`
	Remediation string `json:"remediation,omitempty"`
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status())
}

func (s *Server) handleStart(c *gin.Context) {
	done, err := s.backend.StartAsync(s.baseCtx)
	if err != nil {
		writeError(c, err)
		return
	}
	s.drain("start", done)
	c.JSON(http.StatusAccepted, s.backend.Status())
}

func (s *Server) handleStop(c *gin.Context) {
	done, err := s.backend.StopAsync(s.baseCtx)
	if err != nil {
		writeError(c, err)
		return
	}
	s.drain("stop", done)
	c.JSON(http.StatusAccepted, s.backend.Status())
}

// drain logs the outcome of an accepted operation. Clients follow
// progress through /v1/state and the log stream.
func (s *Server) drain(op string, done <-chan error) {
	util.SafeGo(func() {
		if err := <-done; err != nil {
			s.logger.Warn("control api operation failed", "op", op, "error", err)
		}
	}, func(r util.SafeGoResult) {
		s.logger.Error("control api drain panicked", "op", op, "error", r.Err())
	})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	cfg, err := s.backend.LoadConfig()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg.Redacted())
}

func (s *Server) handlePutConfig(c *gin.Context) {
	var cfg composefile.DeploymentConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	current, err := s.backend.LoadConfig()
	if err != nil {
		writeError(c, err)
		return
	}
	cfg.KeepSecrets(current)

	saved, err := s.backend.SaveConfig(cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved.Redacted())
}

func (s *Server) handleResetConfig(c *gin.Context) {
	cfg, err := s.backend.ResetConfig()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg.Redacted())
}

func (s *Server) handleCheckUpdate(c *gin.Context) {
	if !s.checkLimiter.Allow() {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error:       "too many update checks",
			Remediation: "Wait a few seconds before checking again",
		})
		return
	}
	d, err := s.backend.CheckForUpdate(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleApplyUpdate(c *gin.Context) {
	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if !req.Confirm {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:       "update not confirmed",
			Remediation: `Send {"confirm": true} to replace the running executable`,
		})
		return
	}

	d, err := s.backend.CheckForUpdate(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if !d.Available {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "bootmgr " + d.Current + " is up to date"})
		return
	}
	if req.Tag != "" && req.Tag != d.Latest {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:       "the feed now offers " + d.Latest + ", not " + req.Tag,
			Remediation: "Check for updates again and confirm the new tag",
		})
		return
	}

	res, err := s.backend.ApplyUpdate(s.baseCtx, d.Release)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)

	if s.config.AfterUpdate != nil && res.Relaunched {
		c.Writer.Flush()
		go s.config.AfterUpdate(res)
	}
}

func (s *Server) handleLogs(c *gin.Context) {
	lines := s.config.Hub.History()
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit >= 0 && limit < len(lines) {
		lines = lines[len(lines)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrBusy),
		errors.Is(err, lifecycle.ErrAlreadyRunning),
		errors.Is(err, lifecycle.ErrNotRunning),
		errors.Is(err, lifecycle.ErrShuttingDown),
		errors.Is(err, composefile.ErrConfigLocked),
		errors.Is(err, update.ErrUpdateInProgress),
		errors.Is(err, update.ErrIncompleteRelease):
		return http.StatusConflict
	case errors.Is(err, composefile.ErrInvalidPort),
		errors.Is(err, composefile.ErrMissingService),
		errors.Is(err, composefile.ErrInvalidCompose):
		return http.StatusBadRequest
	case errors.Is(err, update.ErrFeedUnreachable),
		errors.Is(err, update.ErrDownloadFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var ue *update.Error
	var swapErr *update.SwapFailedError
	switch {
	case errors.As(err, &ue):
		resp.Remediation = ue.Remediation
	case errors.As(err, &swapErr):
		resp.Remediation = swapErr.Remediation()
	}
	c.JSON(statusFor(err), resp)
}
