// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers for the proposal service.
//
// Every error response carries a stable machine-readable "code" field so
// clients can branch without parsing messages.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/millsaustin/argus/datatypes"
	"github.com/millsaustin/argus/middleware"
	"github.com/millsaustin/argus/pipeline"
	"github.com/millsaustin/argus/proposals"
	"github.com/millsaustin/argus/redaction"
)

// CreateProposal handles POST /v1/proposals.
func CreateProposal(pipe *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "identity missing", "code": "IDENTITY_REQUIRED"})
			return
		}

		var req datatypes.ProposalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "MALFORMED_REQUEST"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
			return
		}

		slog.Info("Received proposal request", "user", identity.User)
		resp, err := pipe.Propose(c.Request.Context(), &req, identity.User)
		if err != nil {
			writeProposalError(c, err)
			return
		}
		c.JSON(http.StatusCreated, resp)
	}
}

// GetProposal handles GET /v1/proposals/:id.
func GetProposal(pipe *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		proposal, err := pipe.GetProposal(c.Param("id"))
		if err != nil {
			writeProposalError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ProposalResponse{Proposal: proposal})
	}
}

// ConfirmProposal handles POST /v1/proposals/:id/confirm.
func ConfirmProposal(pipe *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "identity missing", "code": "IDENTITY_REQUIRED"})
			return
		}

		var req datatypes.ConfirmRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "MALFORMED_REQUEST"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
			return
		}

		proposalID := c.Param("id")
		slog.Info("Received confirm request",
			"proposal_id", proposalID,
			"decision", req.Decision,
			"user", identity.User,
		)

		resp, err := pipe.Confirm(c.Request.Context(), proposalID, req.Decision, identity.User)
		if err != nil {
			writeProposalError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// writeProposalError maps pipeline errors onto HTTP status codes and stable
// error codes.
func writeProposalError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, proposals.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "PROPOSAL_NOT_FOUND"})
	case errors.Is(err, proposals.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "PROPOSAL_EXISTS"})
	case errors.Is(err, proposals.ErrAlreadyApproved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "ALREADY_APPROVED"})
	case errors.Is(err, proposals.ErrAlreadyDenied):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "ALREADY_DENIED"})
	case errors.Is(err, proposals.ErrAlreadyExecuted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "ALREADY_EXECUTED"})
	case errors.Is(err, pipeline.ErrSchemaValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "SCHEMA_VALIDATION_FAILED"})
	case errors.Is(err, pipeline.ErrPolicyDenied):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "POLICY_DENIED"})
	case errors.Is(err, pipeline.ErrPlanGeneration):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": "PLAN_GENERATION_FAILED"})
	case errors.Is(err, redaction.ErrUnresolvedPlaceholder):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "UNRESOLVED_PLACEHOLDER"})
	default:
		slog.Error("Unhandled pipeline error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "INTERNAL"})
	}
}
