package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrAuthDisabled = errors.New("token authentication is not configured")
)

// AuthService verifies bearer tokens issued by the account system. Without a
// secret every caller is anonymous.
type AuthService struct {
	jwtSecret string
	jwtExpiry time.Duration
}

func NewAuthService(jwtSecret string, jwtExpiry time.Duration) *AuthService {
	return &AuthService{jwtSecret: jwtSecret, jwtExpiry: jwtExpiry}
}

func (s *AuthService) Enabled() bool {
	return s.jwtSecret != ""
}

// GenerateJWT issues a token for owner. Used by operators and tests.
func (s *AuthService) GenerateJWT(owner Owner) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id":  owner.ID,
		"username": owner.Username,
		"exp":      now.Add(s.jwtExpiry).Unix(),
		"iat":      now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// VerifyJWT returns the owner named by a valid token
func (s *AuthService) VerifyJWT(tokenString string) (Owner, error) {
	if !s.Enabled() {
		return Owner{}, ErrAuthDisabled
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return Owner{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Owner{}, ErrInvalidToken
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return Owner{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	username, _ := claims["username"].(string)
	return Owner{ID: userID, Username: username}, nil
}
