package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewManagerRejectsWeakSecret(t *testing.T) {
	_, err := NewManager(MethodHMAC, "short", time.Hour)
	assert.Error(t, err)

	_, err = NewManager(Method("basic"), testSecret, time.Hour)
	assert.Error(t, err)

	_, err = NewManager(MethodHMAC, testSecret, 0)
	assert.Error(t, err)
}

func TestHMACTokenRoundTrip(t *testing.T) {
	m, err := NewManager(MethodHMAC, testSecret, time.Hour)
	require.NoError(t, err)

	token, err := m.GenerateToken("alice", []Role{RoleWriter})
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.True(t, claims.HasRole(RoleWriter))
	assert.False(t, claims.HasRole(RoleAdmin))
}

func TestJWTTokenRoundTrip(t *testing.T) {
	m, err := NewManager(MethodJWTHS256, testSecret, time.Hour)
	require.NoError(t, err)

	token, err := m.GenerateToken("bob", []Role{RoleReader, RoleService})
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Subject)
	assert.True(t, claims.HasRole(RoleReader))
	assert.True(t, claims.HasRole(RoleService))
}

func TestTamperedTokenRejected(t *testing.T) {
	m, err := NewManager(MethodHMAC, testSecret, time.Hour)
	require.NoError(t, err)

	token, err := m.GenerateToken("alice", []Role{RoleAdmin})
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "xx"
	_, err = m.ValidateToken(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestWrongSecretRejected(t *testing.T) {
	m1, err := NewManager(MethodJWTHS256, testSecret, time.Hour)
	require.NoError(t, err)
	m2, err := NewManager(MethodJWTHS256, "ffffffffffffffffffffffffffffffff", time.Hour)
	require.NoError(t, err)

	token, err := m1.GenerateToken("alice", []Role{RoleReader})
	require.NoError(t, err)

	_, err = m2.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenRejected(t *testing.T) {
	m, err := NewManager(MethodHMAC, testSecret, time.Millisecond)
	require.NoError(t, err)

	token, err := m.GenerateToken("alice", []Role{RoleReader})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRevocation(t *testing.T) {
	m, err := NewManager(MethodHMAC, testSecret, time.Hour)
	require.NoError(t, err)

	token, err := m.GenerateToken("mallory", []Role{RoleAdmin})
	require.NoError(t, err)

	m.Revoke("mallory")
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrRevoked)

	m.ClearRevoked()
	_, err = m.ValidateToken(token)
	assert.NoError(t, err)
}

func TestCanPerform(t *testing.T) {
	tests := []struct {
		name    string
		roles   []Role
		opClass string
		want    bool
	}{
		{"reader can read", []Role{RoleReader}, OpClassRead, true},
		{"reader cannot write", []Role{RoleReader}, OpClassWrite, false},
		{"writer can write", []Role{RoleWriter}, OpClassWrite, true},
		{"writer can read", []Role{RoleWriter}, OpClassRead, true},
		{"writer cannot admin", []Role{RoleWriter}, OpClassAdmin, false},
		{"service can write", []Role{RoleService}, OpClassWrite, true},
		{"admin can do anything", []Role{RoleAdmin}, OpClassAdmin, true},
		{"no roles", nil, OpClassRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := &Claims{Subject: "t", Roles: tt.roles}
			assert.Equal(t, tt.want, claims.CanPerform(tt.opClass))
		})
	}
}

func TestExplicitPermissions(t *testing.T) {
	claims := &Claims{Subject: "svc", Permissions: []string{OpClassWrite}}
	assert.True(t, claims.CanPerform(OpClassWrite))
	assert.False(t, claims.CanPerform(OpClassAdmin))
}

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	l := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 100, Burst: 10, MemoryDuration: time.Minute})

	for i := 0; i < 10; i++ {
		assert.NoError(t, l.Check("alice"))
	}
}

func TestRateLimiterRejectsBurstOverflow(t *testing.T) {
	l := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, Burst: 2, MemoryDuration: time.Minute})

	require.NoError(t, l.Check("bob"))
	require.NoError(t, l.Check("bob"))

	err := l.Check("bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "bob", rle.Subject)
}

func TestRateLimiterPerSubjectIsolation(t *testing.T) {
	l := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, Burst: 1, MemoryDuration: time.Minute})

	require.NoError(t, l.Check("a"))
	assert.Error(t, l.Check("a"))
	assert.NoError(t, l.Check("b"))
	assert.Equal(t, 2, l.Stats().TrackedSubjects)
}

func TestRateLimiterReset(t *testing.T) {
	l := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, Burst: 1, MemoryDuration: time.Minute})

	require.NoError(t, l.Check("a"))
	require.Error(t, l.Check("a"))

	l.Reset("a")
	assert.NoError(t, l.Check("a"))

	l.ResetAll()
	assert.Zero(t, l.Stats().TrackedSubjects)
}
