// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the proposal service.
//
// # Identity Flow
//
// The service sits behind an authenticating reverse proxy (or an operator's
// trusted network) that asserts the caller's identity via headers. The
// identity middleware reads those headers, rejects requests without one,
// and stores the Identity in the Gin context for downstream handlers.
//
//	Request
//	   │
//	   ▼
//	IdentityMiddleware
//	   │
//	   ├─► Read "X-Argus-User" and "X-Argus-Role"
//	   │
//	   └─► Store Identity in context
//	           │
//	           ▼
//	       Handler (retrieves via GetIdentity)
//
// Approver identity matters: dual control compares approver names, and the
// audit chain records who did what. A request with no asserted user is
// rejected rather than attributed to a placeholder.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// UserHeader and RoleHeader carry the caller identity asserted by the
// fronting proxy.
const (
	UserHeader = "X-Argus-User"
	RoleHeader = "X-Argus-Role"
)

// identityKey is the context key for storing Identity.
// Using a dedicated key prevents collisions with other context values.
const identityKey = "argus_identity"

// Identity describes the authenticated caller for this request.
type Identity struct {
	User string
	Role string
}

// SetIdentity stores the caller identity in the Gin context.
func SetIdentity(c *gin.Context, id Identity) {
	c.Set(identityKey, id)
}

// GetIdentity retrieves the caller identity from the Gin context. The second
// return value is false when the identity middleware did not run.
func GetIdentity(c *gin.Context) (Identity, bool) {
	if v, exists := c.Get(identityKey); exists {
		if id, ok := v.(Identity); ok {
			return id, true
		}
	}
	return Identity{}, false
}

// IdentityMiddleware creates a Gin middleware that extracts the caller
// identity from request headers.
//
// # Description
//
// Reads X-Argus-User and X-Argus-Role, rejects requests with no user, and
// stores the Identity for handlers. The role header is optional and defaults
// to "operator".
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin.
//
// # Limitations
//
//   - Trusts the fronting proxy; the service itself does not validate
//     credentials.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := strings.TrimSpace(c.GetHeader(UserHeader))
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing " + UserHeader + " header",
				"code":  "IDENTITY_REQUIRED",
			})
			return
		}

		role := strings.TrimSpace(c.GetHeader(RoleHeader))
		if role == "" {
			role = "operator"
		}

		SetIdentity(c, Identity{User: user, Role: role})
		c.Next()
	}
}
