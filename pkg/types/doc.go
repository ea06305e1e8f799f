// Package types defines concept identifiers and the fixed-layout concept
// and association records shared across the storage engine.
package types
