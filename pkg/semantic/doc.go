// Package semantic carries the typed semantic metadata attached to
// concepts and the embedding-prototype association extractor.
package semantic
