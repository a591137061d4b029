// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aiku/napcat-bridge/pkg/maim"
	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// MakeMessageID creates a canonical message id from a platform message id.
func MakeMessageID(id onebot.ID) string {
	return id.String()
}

// ParseMessageID extracts the platform message id from a canonical one.
func ParseMessageID(messageID string) (onebot.ID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(messageID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid platform message id %q: %w", messageID, err)
	}
	return onebot.ID(v), nil
}

// MakeUserID converts a platform user id to a canonical one.
func MakeUserID(id onebot.ID) maim.ID {
	return maim.ID(id)
}

// ParseUserID converts a canonical user id to a platform one.
func ParseUserID(id maim.ID) onebot.ID {
	return onebot.ID(id)
}

// MakeGroupID converts a platform group id to a canonical one.
func MakeGroupID(id onebot.ID) maim.ID {
	return maim.ID(id)
}

// ParseGroupID converts a canonical group id to a platform one.
func ParseGroupID(id maim.ID) onebot.ID {
	return onebot.ID(id)
}

// parseArgID reads a platform id out of a command argument, which may have
// been decoded from JSON as a number or a string.
func parseArgID(v any) (onebot.ID, error) {
	n, err := parseArgInt(v)
	return onebot.ID(n), err
}

func parseArgInt(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", n)
		}
		return parsed, nil
	case nil:
		return 0, fmt.Errorf("missing value")
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}
