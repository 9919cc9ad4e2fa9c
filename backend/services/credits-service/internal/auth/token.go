package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin may adjust balances and manage allocation schedules.
const RoleAdmin = "admin"

// Claims represents JWT payload used across services.
type Claims struct {
	UserID           int64  `json:"user_id"`
	Role             string `json:"role"`
	SustainingMember bool   `json:"sustaining_member"`
	jwt.RegisteredClaims
}

// ID returns the member id.
func (c *Claims) ID() int64 { return c.UserID }

// IsSustainingMember reports whether credits may be applied to the member's charges.
func (c *Claims) IsSustainingMember() bool { return c.SustainingMember }

// IsAdmin reports whether the token carries the admin role.
func (c *Claims) IsAdmin() bool { return c.Role == RoleAdmin }

// TokenService handles JWT creation and validation.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

// NewTokenService returns configured token service.
func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return &TokenService{secret: []byte(secret), expiresIn: expiresIn}
}

// GenerateToken issues a JWT for the member. The service itself only validates tokens;
// issuing is used by tests and operator tooling.
func (t *TokenService) GenerateToken(userID int64, role string, sustaining bool) (string, error) {
	if userID == 0 {
		return "", errors.New("token: user id is required")
	}

	now := time.Now().UTC()
	claims := Claims{
		UserID:           userID,
		Role:             role,
		SustainingMember: sustaining,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken verifies and decodes JWT.
func (t *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("token: invalid claims")
	}
	if claims.UserID <= 0 {
		return nil, errors.New("token: user id not present")
	}
	return claims, nil
}
