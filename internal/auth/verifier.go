// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

// Package auth verifies bearer credentials presented on incoming viewer
// connections and decides role-based admission to the audit stream.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingCredential is returned when no bearer credential is present
// on a handshake request.
var ErrMissingCredential = errors.New("missing bearer credential")

// Identity is the verified subject behind a connection.
type Identity struct {
	SubjectID string
	Role      string
	SchoolID  string
	SessionID string
}

// Claims represents the JWT claims issued by the platform.
type Claims struct {
	Role      string `json:"role"`
	SchoolID  string `json:"school_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens and extracts identities.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a token verifier using HMAC-SHA256.
// The secret must be non-empty.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required but was empty")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// VerifyToken validates a token string and returns the identity it
// carries. Rejects tokens signed with an unexpected algorithm, expired
// tokens, and tokens without a subject.
func (v *Verifier) VerifyToken(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	return &Identity{
		SubjectID: claims.Subject,
		Role:      claims.Role,
		SchoolID:  claims.SchoolID,
		SessionID: claims.SessionID,
	}, nil
}

// GenerateToken mints a token for the given identity, valid for ttl.
// Used by tests and by the platform's credential issuer.
func (v *Verifier) GenerateToken(id *Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role:      id.Role,
		SchoolID:  id.SchoolID,
		SessionID: id.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.SubjectID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// AuthTokenHeader is the explicit auth field carried on the handshake,
// checked before the standard Authorization header.
const AuthTokenHeader = "X-Auth-Token"

// ExtractBearer pulls the bearer credential from a handshake request,
// checking in order: the explicit auth header, the Authorization header
// with its scheme stripped, then the "token" query parameter.
// Returns ErrMissingCredential when none is present.
func ExtractBearer(r *http.Request) (string, error) {
	if token := r.Header.Get(AuthTokenHeader); token != "" {
		return token, nil
	}

	if authz := r.Header.Get("Authorization"); authz != "" {
		if after, ok := strings.CutPrefix(authz, "Bearer "); ok {
			if after != "" {
				return after, nil
			}
		} else {
			return authz, nil
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	return "", ErrMissingCredential
}

// RolePolicy is the fixed allow-list of roles permitted to hold an audit
// stream connection.
type RolePolicy struct {
	allowed map[string]struct{}
}

// DefaultAllowedRoles lists the roles with audit access.
var DefaultAllowedRoles = []string{"super_admin", "admin", "auditor"}

// NewRolePolicy builds a policy from the given roles. An empty list falls
// back to DefaultAllowedRoles.
func NewRolePolicy(roles []string) *RolePolicy {
	if len(roles) == 0 {
		roles = DefaultAllowedRoles
	}
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	return &RolePolicy{allowed: allowed}
}

// Allowed reports whether the role may keep a connection.
func (p *RolePolicy) Allowed(role string) bool {
	_, ok := p.allowed[strings.ToLower(strings.TrimSpace(role))]
	return ok
}
