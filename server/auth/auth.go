// Package auth issues and validates the bearer tokens guarding the object
// endpoints.
package auth

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid signature")
)

const (
	// Wildcard in the streams claim grants access to every stream.
	Wildcard = "*"
	// DefaultIssuer is the issuer of tokens accepted by the object server.
	DefaultIssuer = "objectsd"
)

// Claims represents the JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	UserID  string   `json:"uid"`
	Streams []string `json:"streams,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// CanAccess reports whether the token grants access to streamID.
func (c *Claims) CanAccess(streamID string) bool {
	return slices.Contains(c.Streams, Wildcard) || slices.Contains(c.Streams, streamID)
}

// TokenService provides JWT operations.
type TokenService struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
}

// NewTokenService creates a new TokenService.
func NewTokenService(signingKey []byte, issuer string, accessTTL time.Duration) *TokenService {
	return &TokenService{
		signingKey: signingKey,
		issuer:     issuer,
		accessTTL:  accessTTL,
	}
}

// GenerateAccessToken generates an access JWT for the given streams.
func (s *TokenService) GenerateAccessToken(userID string, streams, scopes []string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
		UserID:  userID,
		Streams: streams,
		Scopes:  scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.signingKey)
}

// ValidateAccessToken validates and parses an access token.
func (s *TokenService) ValidateAccessToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// ExtractBearerToken extracts the token from an Authorization header.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
