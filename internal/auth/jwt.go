// Package auth turns an opaque bearer credential into a verified Identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/util"
)

var (
	// ErrInvalidToken is returned when the token is malformed or invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidSignature is returned when the token signature is invalid
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrMissingClaims is returned when required claims are missing
	ErrMissingClaims = errors.New("missing required claims")
)

// Role is the side of the conversation an identity speaks for.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// adminRoles are the token roles that grant access to the admin console.
var adminRoles = []string{"admin", "chat_admin"}

// Identity is the verified principal behind a connection or request.
type Identity struct {
	ID          string
	Role        Role
	DisplayName string
	Roles       []string
}

// IsAdmin reports whether the identity acts for support staff.
func (i *Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Verifier validates credentials. Implementations must not have side effects.
type Verifier interface {
	Verify(token string) (*Identity, error)
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given secret
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify checks signature, expiry and the user_id/roles claims.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method: %v", ErrInvalidSignature, token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		case errors.Is(err, jwt.ErrSignatureInvalid), errors.Is(err, ErrInvalidSignature):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrInvalidToken)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unable to parse claims", ErrInvalidToken)
	}

	userID, ok := mapClaims["user_id"].(string)
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: user_id claim missing or invalid", ErrMissingClaims)
	}

	name, _ := mapClaims["name"].(string)
	if name == "" {
		name = userID
	}

	rawRoles, ok := mapClaims["roles"]
	if !ok {
		return nil, fmt.Errorf("%w: roles claim missing", ErrMissingClaims)
	}
	roles, err := extractRoles(rawRoles)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingClaims, err)
	}

	role := RoleUser
	if util.HasRole(roles, adminRoles...) {
		role = RoleAdmin
	}

	return &Identity{
		ID:          userID,
		Role:        role,
		DisplayName: name,
		Roles:       roles,
	}, nil
}

// Issue signs a token for the given principal. Used by the dev CLI and tests.
func (v *JWTVerifier) Issue(userID, name string, roles []string, ttl time.Duration) (string, error) {
	if roles == nil {
		roles = []string{}
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"roles":   roles,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	if name != "" {
		claims["name"] = name
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func extractRoles(raw interface{}) ([]string, error) {
	switch rs := raw.(type) {
	case []interface{}:
		roles := make([]string, len(rs))
		for i, r := range rs {
			s, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("roles array contains non-string value at index %d", i)
			}
			roles[i] = s
		}
		return roles, nil
	case []string:
		return rs, nil
	}
	return nil, fmt.Errorf("roles claim must be an array of strings")
}
