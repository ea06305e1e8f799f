// Package ingress implements the bounded multi-producer write queue that
// decouples client writes from the reconciler, with drop-oldest
// backpressure on overflow.
package ingress
