package haul

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	minUsernameLength = 3
	minPasswordLength = 6
	// maxPasswordLength is the most bcrypt will hash, in bytes
	maxPasswordLength = 72
	tokenIssuer       = "haul-tracker"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Tokens issues and verifies HS256 bearer tokens whose subject is a user ID
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a new Tokens instance
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL returns how long issued tokens stay valid
func (t *Tokens) TTL() time.Duration {
	return t.ttl
}

// Issue signs a token for userID
func (t *Tokens) Issue(userID string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks a token and returns its user ID
func (t *Tokens) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// Registration holds the fields of a sign-up request
type Registration struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// normalize trims the fields and lowercases the username
func (r Registration) normalize() Registration {
	return Registration{
		Name:     strings.TrimSpace(r.Name),
		Username: strings.ToLower(strings.TrimSpace(r.Username)),
		Password: strings.TrimSpace(r.Password),
	}
}

// validate checks a normalized registration
func (r Registration) validate() error {
	switch {
	case r.Name == "" || r.Username == "" || r.Password == "":
		return fmt.Errorf("%w: name, username and password are required", ErrInvalid)
	case len(r.Username) < minUsernameLength:
		return fmt.Errorf("%w: username must be at least %d characters", ErrInvalid, minUsernameLength)
	case !usernamePattern.MatchString(r.Username):
		return fmt.Errorf("%w: username may only contain a-z, 0-9 and _", ErrInvalid)
	case len(r.Password) < minPasswordLength:
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalid, minPasswordLength)
	case len(r.Password) > maxPasswordLength:
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalid, maxPasswordLength)
	}
	return nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
