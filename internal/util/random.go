// Package util provides utility functions for the AllyGate application.
package util

import (
	"math/rand"
	"strings"
)

// ConversationIDPrefix prefixes identifiers minted by GenerateConversationID.
const ConversationIDPrefix = "c_"

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}

// GenerateConversationID generates a conversation ID for clients that do not
// bring their own.
func GenerateConversationID() string {
	return GenerateRandomID(ConversationIDPrefix, 32)
}
