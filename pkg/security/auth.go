package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vmihailenco/msgpack/v5"
)

// Auth errors callers branch on.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrRevoked      = errors.New("subject revoked")
	ErrForbidden    = errors.New("operation not permitted")
)

// Role grants an operation class.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleWriter  Role = "writer"
	RoleReader  Role = "reader"
	RoleService Role = "service"
)

// Operation classes used for authorization.
const (
	OpClassRead  = "read"
	OpClassWrite = "write"
	OpClassAdmin = "admin"
)

// Claims carry a token's identity and grants.
type Claims struct {
	Subject     string   `msgpack:"sub" json:"sub"`
	IssuedAt    int64    `msgpack:"iat" json:"iat"`
	Expiry      int64    `msgpack:"exp" json:"exp"`
	Roles       []Role   `msgpack:"roles" json:"roles"`
	Permissions []string `msgpack:"perms,omitempty" json:"perms,omitempty"`
}

// IsExpired reports whether the claims are past their expiry.
func (c *Claims) IsExpired() bool {
	return time.Now().Unix() >= c.Expiry
}

// HasRole reports whether the claims carry a role.
func (c *Claims) HasRole(role Role) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanPerform authorizes an operation class: reads for any role, writes for
// writer/service/admin, admin operations for admin only. Explicit
// permissions extend the role grants.
func (c *Claims) CanPerform(opClass string) bool {
	for _, p := range c.Permissions {
		if p == opClass {
			return true
		}
	}
	switch opClass {
	case OpClassRead:
		return c.HasRole(RoleReader) || c.HasRole(RoleWriter) || c.HasRole(RoleService) || c.HasRole(RoleAdmin)
	case OpClassWrite:
		return c.HasRole(RoleWriter) || c.HasRole(RoleService) || c.HasRole(RoleAdmin)
	case OpClassAdmin:
		return c.HasRole(RoleAdmin)
	default:
		return false
	}
}

// Method selects the token scheme.
type Method string

const (
	MethodHMAC     Method = "hmac"
	MethodJWTHS256 Method = "jwt-hs256"
)

// Manager issues and validates tokens and tracks revoked subjects.
type Manager struct {
	method   Method
	secret   []byte
	tokenTTL time.Duration

	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewManager builds a token manager. The secret must be at least 32
// characters; the config layer enforces this before startup.
func NewManager(method Method, secret string, tokenTTL time.Duration) (*Manager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("auth secret must be at least 32 characters, got %d", len(secret))
	}
	if tokenTTL <= 0 {
		return nil, fmt.Errorf("token TTL must be positive")
	}
	switch method {
	case MethodHMAC, MethodJWTHS256:
	default:
		return nil, fmt.Errorf("unknown auth method %q", method)
	}
	return &Manager{
		method:   method,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		revoked:  make(map[string]struct{}),
	}, nil
}

// GenerateToken mints a token for a subject with the given roles.
func (m *Manager) GenerateToken(subject string, roles []Role) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject:  subject,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(m.tokenTTL).Unix(),
		Roles:    roles,
	}

	switch m.method {
	case MethodHMAC:
		return m.generateHMAC(&claims)
	case MethodJWTHS256:
		return m.generateJWT(&claims)
	default:
		return "", fmt.Errorf("unknown auth method %q", m.method)
	}
}

func (m *Manager) generateHMAC(claims *Claims) (string, error) {
	payload, err := msgpack.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to serialize claims: %w", err)
	}

	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	sig := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (m *Manager) generateJWT(claims *Claims) (string, error) {
	roles := make([]string, len(claims.Roles))
	for i, r := range claims.Roles {
		roles[i] = string(r)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   claims.Subject,
		"iat":   claims.IssuedAt,
		"exp":   claims.Expiry,
		"roles": roles,
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks a token's signature, expiry and revocation state.
func (m *Manager) ValidateToken(token string) (*Claims, error) {
	var claims *Claims
	var err error

	switch m.method {
	case MethodHMAC:
		claims, err = m.validateHMAC(token)
	case MethodJWTHS256:
		claims, err = m.validateJWT(token)
	default:
		return nil, fmt.Errorf("unknown auth method %q", m.method)
	}
	if err != nil {
		return nil, err
	}

	if claims.IsExpired() {
		return nil, ErrTokenExpired
	}
	if m.IsRevoked(claims.Subject) {
		return nil, ErrRevoked
	}
	return claims, nil
}

func (m *Manager) validateHMAC(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}

	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrInvalidToken
	}

	var claims Claims
	if err := msgpack.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (m *Manager) validateJWT(token string) (*Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if iat, ok := mapClaims["iat"].(float64); ok {
		claims.IssuedAt = int64(iat)
	}
	if exp, ok := mapClaims["exp"].(float64); ok {
		claims.Expiry = int64(exp)
	}
	if roles, ok := mapClaims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				claims.Roles = append(claims.Roles, Role(s))
			}
		}
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Revoke rejects every future token for a subject.
func (m *Manager) Revoke(subject string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[subject] = struct{}{}
}

// IsRevoked reports whether a subject is revoked.
func (m *Manager) IsRevoked(subject string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[subject]
	return ok
}

// ClearRevoked empties the revocation list.
func (m *Manager) ClearRevoked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = make(map[string]struct{})
}
