// Package identity parses channel addresses and resolves them to durable
// people and open conversations.
package identity
