// Package auth authenticates REST callers with bearer API keys and checks
// their permissions.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// Permissions understood by the REST API.
const (
	PermCheckoutsRead    = "checkouts:read"
	PermCheckoutsWrite   = "checkouts:write"
	PermOrdersRead       = "orders:read"
	PermOrdersWrite      = "orders:write"
	PermCredentialsRead  = "credentials:read"
	PermCredentialsWrite = "credentials:write"
	// PermAll grants every permission.
	PermAll = "*"
)

// Subject is the authenticated caller passed to request handlers via context.
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
)

// APIKey is one configured caller.
type APIKey struct {
	Name        string
	Key         string
	Permissions []string
	Disabled    bool
}

// Config configures the authentication service.
type Config struct {
	Mode Mode
	Keys []APIKey
}
