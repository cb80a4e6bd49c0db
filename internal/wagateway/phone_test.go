// ABOUTME: Tests for phone number and gateway chat ID conversion.

package wagateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatChatID(t *testing.T) {
	tests := []struct {
		name        string
		phone       string
		countryCode string
		want        string
	}{
		{"bare number gets country code", "11999999999", "55", "5511999999999@c.us"},
		{"country code already present", "5511999999999", "55", "5511999999999@c.us"},
		{"formatting stripped", "+55 (11) 99999-9999", "55", "5511999999999@c.us"},
		{"no default country code", "11999999999", "", "11999999999@c.us"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatChatID(tt.phone, tt.countryCode))
		})
	}
}

func TestExtractPhone(t *testing.T) {
	assert.Equal(t, "5511999999999", ExtractPhone("5511999999999@c.us"))
	assert.Equal(t, "5511999999999", ExtractPhone("5511999999999"))
}

func TestIsIndividualChat(t *testing.T) {
	assert.True(t, IsIndividualChat("5511999999999@c.us"))
	assert.False(t, IsIndividualChat("123456789-987654@g.us"))
}
