// ABOUTME: Phone number normalization between human-entered numbers and gateway chat IDs.
// ABOUTME: Gateway chat IDs look like 5511999999999@c.us.

package wagateway

import "strings"

// chatIDSuffix is the gateway's suffix for individual chats.
const chatIDSuffix = "@c.us"

// FormatChatID converts a phone number into a gateway chat ID. Non-digits are
// stripped and the default country code is prepended when missing.
func FormatChatID(phone, countryCode string) string {
	digits := digitsOnly(phone)
	if countryCode != "" && !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + digits
	}
	return digits + chatIDSuffix
}

// ExtractPhone recovers the bare phone number from a gateway chat ID.
func ExtractPhone(chatID string) string {
	return strings.SplitN(chatID, "@", 2)[0]
}

// IsIndividualChat reports whether a chat ID addresses a single contact
// (group chats use a different suffix).
func IsIndividualChat(chatID string) bool {
	return strings.HasSuffix(chatID, chatIDSuffix)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
