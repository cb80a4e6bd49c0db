// ABOUTME: Channel identifier parsing, including attendant-encoded addresses.
// ABOUTME: Every identifier is tagged user or attendant; decoding happens exactly once.

package identity

import (
	"net/url"
	"strings"
)

// Kind tags who an identifier belongs to.
type Kind string

const (
	KindUser      Kind = "user"
	KindAttendant Kind = "attendant"
)

// Identifier is a parsed channel address. Raw preserves the wire form;
// Canonical is the address used for person lookup and room routing. For
// attendant addresses Canonical is the room address the attendant is writing
// into, recovered from the encoded local part.
type Identifier struct {
	Kind      Kind
	Raw       string
	Canonical string
	Room      string
}

// ParseIdentifier classifies a wire address. Attendant messages arrive from
// the help-desk platform as <room>%40<channel-domain>@<attendant-domain>:
// the room address URL-escaped into the local part. The local part is decoded
// exactly once; a decoded form is never re-decoded, so percent sequences in
// user content cannot be double-unwrapped.
func ParseIdentifier(raw, attendantDomain string) Identifier {
	if attendantDomain != "" && strings.HasSuffix(raw, "@"+attendantDomain) {
		local := strings.SplitN(raw, "@", 2)[0]
		decoded, err := url.QueryUnescape(local)
		if err != nil {
			// Malformed escape: fall through and treat the address as a
			// plain user identifier rather than guessing.
			return Identifier{Kind: KindUser, Raw: raw, Canonical: raw, Room: roomOf(raw)}
		}
		return Identifier{
			Kind:      KindAttendant,
			Raw:       raw,
			Canonical: decoded,
			Room:      roomOf(decoded),
		}
	}

	return Identifier{Kind: KindUser, Raw: raw, Canonical: raw, Room: roomOf(raw)}
}

// RoomIdentifier builds the canonical address for a widget room.
func RoomIdentifier(roomID, channelDomain string) string {
	return roomID + "@" + channelDomain
}

// AttendantIdentifier builds the attendant-encoded wire address for a room,
// the inverse of ParseIdentifier's unwrapping.
func AttendantIdentifier(roomID, channelDomain, attendantDomain string) string {
	return url.QueryEscape(RoomIdentifier(roomID, channelDomain)) + "@" + attendantDomain
}

func roomOf(canonical string) string {
	return strings.SplitN(canonical, "@", 2)[0]
}

// DisplayName extracts a person's name from a context payload of the form
// "Person Name:<name>,...". Returns empty when the payload has no name field.
func DisplayName(contextPayload string) string {
	const prefix = "Person Name:"
	idx := strings.Index(contextPayload, prefix)
	if idx < 0 {
		return ""
	}
	rest := contextPayload[idx+len(prefix):]
	if end := strings.Index(rest, ","); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
