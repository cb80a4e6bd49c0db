// Package session maintains in-memory correlation between external channel
// identities (help-desk conversations, phone numbers) and the keys used for
// AI conversational continuity.
package session
