package util

import (
	"errors"
	"strings"

	"github.com/samber/lo"
)

var (
	// ErrMissingAuthHeader is returned when the Authorization header is missing
	ErrMissingAuthHeader = errors.New("missing Authorization header")
	// ErrInvalidAuthHeader is returned when the Authorization header format is invalid
	ErrInvalidAuthHeader = errors.New("invalid Authorization header format")
)

const bearerPrefix = "Bearer "

// ExtractBearerToken returns the token part of a "Bearer <token>" header.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}
	token, ok := strings.CutPrefix(authHeader, bearerPrefix)
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrInvalidAuthHeader
	}
	return token, nil
}

// HasRole checks if a user has any of the specified roles.
func HasRole(userRoles []string, requiredRoles ...string) bool {
	return lo.Some(userRoles, requiredRoles)
}

// ContainsWeakPattern reports the first weak pattern found in s, ignoring case.
func ContainsWeakPattern(s string, weakPatterns []string) (bool, string) {
	lower := strings.ToLower(s)
	pattern, found := lo.Find(weakPatterns, func(p string) bool {
		return strings.Contains(lower, p)
	})
	return found, pattern
}
