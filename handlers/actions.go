// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/millsaustin/argus/datatypes"
	"github.com/millsaustin/argus/executor"
	"github.com/millsaustin/argus/middleware"
	"github.com/millsaustin/argus/pipeline"
)

// SubmitAction handles POST /v1/actions: a single idempotent action outside
// the proposal flow.
//
// A failed execution still returns the step result, with an HTTP status that
// reflects the failure class. The idempotency token stays reserved either
// way.
func SubmitAction(pipe *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "identity missing", "code": "IDENTITY_REQUIRED"})
			return
		}

		var req datatypes.ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "MALFORMED_REQUEST"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
			return
		}

		slog.Info("Received direct action",
			"action", req.Action,
			"node", req.Node,
			"vmid", req.VMID,
			"user", identity.User,
		)

		resp, err := pipe.SubmitAction(c.Request.Context(), &req, identity.User)
		if err != nil {
			writeActionError(c, resp, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// writeActionError maps execution errors onto status codes, attaching the
// step result when one exists.
func writeActionError(c *gin.Context, resp *datatypes.ActionResponse, err error) {
	body := gin.H{"error": err.Error()}
	if resp != nil {
		body["result"] = resp.Result
	}

	switch {
	case errors.Is(err, pipeline.ErrDuplicateRequest):
		body["code"] = "DUPLICATE_REQUEST"
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, executor.ErrResourceLocked):
		body["code"] = "RESOURCE_LOCKED"
		c.JSON(http.StatusLocked, body)
	case errors.Is(err, executor.ErrInvalidStep):
		body["code"] = "INVALID_STEP"
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, executor.ErrRemoteCallFailed):
		body["code"] = "REMOTE_CALL_FAILED"
		c.JSON(http.StatusBadGateway, body)
	default:
		slog.Error("Unhandled action error", "error", err)
		body["code"] = "INTERNAL"
		c.JSON(http.StatusInternalServerError, body)
	}
}
