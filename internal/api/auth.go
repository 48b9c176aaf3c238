package api

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultTokenExpiration is the default expiration time for JWT tokens.
	DefaultTokenExpiration = 24 * time.Hour

	// BcryptCost is the cost factor for bcrypt password hashing.
	BcryptCost = bcrypt.DefaultCost

	tokenSubject = "dashboard"
)

var (
	// ErrInvalidCredentials is returned when the login password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned when a JWT token is invalid.
	ErrInvalidToken = errors.New("invalid token")
)

// AuthService gates the API behind a single shared password. A successful
// login yields a signed token; logout revokes it until it would have
// expired anyway.
type AuthService struct {
	passwordHash    []byte
	jwtSecret       []byte
	tokenExpiration time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time // token ID -> expiry
}

// NewAuthService hashes password for later comparison. An empty password
// disables authentication. An empty secret is replaced by a random one, so
// tokens do not survive a restart.
func NewAuthService(password, jwtSecret string, tokenExpiration time.Duration) (*AuthService, error) {
	if tokenExpiration <= 0 {
		tokenExpiration = DefaultTokenExpiration
	}

	s := &AuthService{
		jwtSecret:       []byte(jwtSecret),
		tokenExpiration: tokenExpiration,
		revoked:         make(map[string]time.Time),
	}

	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		s.passwordHash = hash
	}

	if len(s.jwtSecret) == 0 {
		s.jwtSecret = make([]byte, 32)
		if _, err := rand.Read(s.jwtSecret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
	}

	return s, nil
}

// Enabled reports whether a password is required.
func (s *AuthService) Enabled() bool {
	return len(s.passwordHash) > 0
}

// Login checks password and returns a signed token with its expiry.
func (s *AuthService) Login(password string) (string, time.Time, error) {
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return s.GenerateToken()
}

// GenerateToken generates a new JWT token.
func (s *AuthService) GenerateToken() (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(s.tokenExpiration)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   tokenSubject,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return signedToken, expires, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *AuthService) ValidateToken(tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid || claims.Subject != tokenSubject {
		return nil, ErrInvalidToken
	}

	s.mu.Lock()
	_, revoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if revoked {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Revoke invalidates a token. Invalid tokens are ignored.
func (s *AuthService) Revoke(tokenString string) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, expires := range s.revoked {
		if now.After(expires) {
			delete(s.revoked, id)
		}
	}
	if claims.ExpiresAt != nil {
		s.revoked[claims.ID] = claims.ExpiresAt.Time
	}
}
