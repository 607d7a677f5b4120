// Package auth consumes dashboard principals. Authentication itself is
// external; this package only validates the token and exposes its
// tenant/permission scope to handlers.
package auth

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject     = "sub"
	claimAccountID   = "account_id"
	claimUserID      = "user_id"
	claimPermissions = "permissions"
)

// Principal is the opaque authenticated caller: which tenant it belongs
// to and what it may do. Every dashboard operation is scoped by AccountID.
type Principal struct {
	AccountID   string
	UserID      string
	Permissions []string
}

// Can reports whether the principal holds the given permission.
func (p Principal) Can(permission string) bool {
	return slices.Contains(p.Permissions, permission)
}

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// PrincipalFromContext extracts the authenticated principal from JWT claims.
func PrincipalFromContext(c echo.Context) (Principal, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	principal := Principal{
		AccountID:   claimString(claims, claimAccountID),
		UserID:      claimString(claims, claimUserID),
		Permissions: claimStrings(claims, claimPermissions),
	}
	if principal.UserID == "" {
		principal.UserID = claimString(claims, claimSubject)
	}
	if principal.AccountID == "" {
		return Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "account scope missing")
	}
	return principal, nil
}

// GenerateToken creates a signed JWT carrying the principal's scope.
// Used by operational tooling and tests; production tokens come from the
// external auth service.
func GenerateToken(principal Principal, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(principal.AccountID) == "" {
		return "", time.Time{}, fmt.Errorf("account id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject:     principal.UserID,
		claimAccountID:   principal.AccountID,
		claimUserID:      principal.UserID,
		claimPermissions: principal.Permissions,
		"iat":            now.Unix(),
		"exp":            expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseToken validates a raw JWT string and returns its principal.
// Used by the realtime endpoint, which authenticates during the
// websocket upgrade instead of through the echo middleware chain.
func ParseToken(raw, secret string) (Principal, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, fmt.Errorf("invalid token claims")
	}
	principal := Principal{
		AccountID:   claimString(claims, claimAccountID),
		UserID:      claimString(claims, claimUserID),
		Permissions: claimStrings(claims, claimPermissions),
	}
	if principal.AccountID == "" {
		return Principal{}, fmt.Errorf("account scope missing")
	}
	return principal, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok {
		return ""
	}
	value, ok := raw.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func claimStrings(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}
	switch values := raw.(type) {
	case []string:
		return values
	case []any:
		result := make([]string, 0, len(values))
		for _, item := range values {
			if value, ok := item.(string); ok && strings.TrimSpace(value) != "" {
				result = append(result, strings.TrimSpace(value))
			}
		}
		return result
	default:
		return nil
	}
}
