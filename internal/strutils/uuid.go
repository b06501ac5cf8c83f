package strutils

import (
	"fmt"

	"github.com/google/uuid"
)

// Converts a client identifier to its lowercase dashed form
//
// Accepts dashed and stripped UUIDs in any case
func NormalizeClientID(clientID string) (string, error) {
	parsed, err := uuid.Parse(clientID)
	if err != nil {
		return "", fmt.Errorf("invalid client id '%s': %w", clientID, err)
	}
	return parsed.String(), nil
}

func ClientIDIsNormalized(clientID string) bool {
	normalized, err := NormalizeClientID(clientID)
	if err != nil {
		return false
	}
	return normalized == clientID
}
