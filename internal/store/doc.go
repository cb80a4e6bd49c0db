// Package store provides persistence for bot instances, people,
// conversations, and the message timeline.
package store
