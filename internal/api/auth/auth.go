// Package auth issues and validates the JWT tokens used by the operator
// endpoints. Tokens are short-lived HS256 bearer tokens minted from the
// CLI; there is no session store behind them.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ContextKey represents keys for context values
type ContextKey string

const OperatorContextKey ContextKey = "operator"

// OperatorClaims represents the claims in operator tokens
type OperatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// TokenService mints and validates operator tokens
type TokenService struct {
	secretKey []byte

	// TokenDuration bounds how long a minted token stays valid. Default: 12 hours.
	TokenDuration time.Duration
}

// NewTokenService creates a new token service
func NewTokenService(secretKey string) *TokenService {
	return &TokenService{
		secretKey:     []byte(secretKey),
		TokenDuration: 12 * time.Hour,
	}
}

// MintToken creates a signed operator token
func (ts *TokenService) MintToken(operator string) (string, error) {
	if strings.TrimSpace(operator) == "" {
		return "", fmt.Errorf("operator name is required")
	}

	now := time.Now()
	claims := &OperatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.TokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "crewharbor-payments",
			Subject:   operator,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	jwtString, err := token.SignedString(ts.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return jwtString, nil
}

// ValidateToken validates an operator token and returns its claims
func (ts *TokenService) ValidateToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if strings.TrimSpace(claims.Operator) == "" {
		return nil, fmt.Errorf("token has no operator")
	}
	return claims, nil
}

// RequireOperator validates that a valid operator token is present
func RequireOperator(tokenService *TokenService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}

			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			claims, err := tokenService.ValidateToken(tokenParts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			c.Set(string(OperatorContextKey), claims)
			return next(c)
		}
	}
}

// GetOperator extracts the operator claims from echo context
func GetOperator(c echo.Context) *OperatorClaims {
	claimsInterface := c.Get(string(OperatorContextKey))
	if claimsInterface == nil {
		return nil
	}
	claims, ok := claimsInterface.(*OperatorClaims)
	if !ok {
		return nil
	}
	return claims
}
