// Package events routes storage events two ways: an in-process broker
// with type-filtered subscriptions, and a fire-and-forget emitter that
// ships events to an external sink, spilling to a bbolt journal while
// the sink is unreachable.
package events
