// Package security implements token validation (HMAC-SHA256 and JWT
// HS256), role-based operation authorization with revocation, and the
// per-subject token-bucket rate limiter.
package security
