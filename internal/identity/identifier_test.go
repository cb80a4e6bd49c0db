// ABOUTME: Tests for channel identifier parsing and attendant address unwrapping.
// ABOUTME: Covers the encoded attendant form, single-decode, and display name extraction.

package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUserIdentifier(t *testing.T) {
	id := ParseIdentifier("room-42@widget.example.com", "desk.msging.net")

	assert.Equal(t, KindUser, id.Kind)
	assert.Equal(t, "room-42@widget.example.com", id.Canonical)
	assert.Equal(t, "room-42", id.Room)
}

func TestParseAttendantIdentifier(t *testing.T) {
	raw := "room-42%40widget.example.com@desk.msging.net"
	id := ParseIdentifier(raw, "desk.msging.net")

	assert.Equal(t, KindAttendant, id.Kind)
	assert.Equal(t, raw, id.Raw)
	assert.Equal(t, "room-42@widget.example.com", id.Canonical)
	assert.Equal(t, "room-42", id.Room)
}

func TestAttendantDecodeHappensOnce(t *testing.T) {
	// A percent sequence surviving one decode must not be decoded again.
	raw := "room%252Fx%40widget.example.com@desk.msging.net"
	id := ParseIdentifier(raw, "desk.msging.net")

	assert.Equal(t, KindAttendant, id.Kind)
	assert.Equal(t, "room%2Fx@widget.example.com", id.Canonical)
}

func TestParsePhoneIdentifier(t *testing.T) {
	id := ParseIdentifier("5511999999999@c.us", "desk.msging.net")

	assert.Equal(t, KindUser, id.Kind)
	assert.Equal(t, "5511999999999@c.us", id.Canonical)
	assert.Equal(t, "5511999999999", id.Room)
}

func TestParseMalformedEscapeFallsBackToUser(t *testing.T) {
	raw := "room%zz@desk.msging.net"
	id := ParseIdentifier(raw, "desk.msging.net")

	assert.Equal(t, KindUser, id.Kind)
	assert.Equal(t, raw, id.Canonical)
}

func TestParseWithoutAttendantDomain(t *testing.T) {
	id := ParseIdentifier("room-42%40widget.example.com@desk.msging.net", "")
	assert.Equal(t, KindUser, id.Kind)
}

func TestAttendantIdentifierRoundTrip(t *testing.T) {
	raw := AttendantIdentifier("room-42", "widget.example.com", "desk.msging.net")
	assert.Equal(t, "room-42%40widget.example.com@desk.msging.net", raw)

	id := ParseIdentifier(raw, "desk.msging.net")
	assert.Equal(t, KindAttendant, id.Kind)
	assert.Equal(t, "room-42@widget.example.com", id.Canonical)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Alice Souza", DisplayName("Person Name:Alice Souza,Account:42"))
	assert.Equal(t, "Alice", DisplayName("Person Name: Alice "))
	assert.Equal(t, "", DisplayName("Account:42"))
	assert.Equal(t, "", DisplayName(""))
}
