// Package embedding abstracts the external text→vector provider and
// implements the retrying HTTP client for it.
package embedding
