package move

import (
	"strings"
	"unicode"

	"github.com/notnil/chess"

	"equinox/internal/domain"
)

const maxPositionLen = 120

// ValidatePosition checks that fen is a well-formed FEN string. It does not
// look at whether the position is reachable or legal.
func ValidatePosition(fen string) (string, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" {
		return "", invalid("fen is required")
	}
	if len(fen) > maxPositionLen {
		return "", invalid("fen is too long")
	}
	for _, r := range fen {
		if unicode.IsControl(r) {
			return "", invalid("fen contains control characters")
		}
	}
	if len(strings.Fields(fen)) != 6 {
		return "", invalid("fen must have six fields")
	}
	if _, err := chess.FEN(fen); err != nil {
		return "", domain.E(domain.KindInvalidRequest, "validate position", "fen is malformed", err)
	}
	return fen, nil
}

func invalid(msg string) error {
	return domain.E(domain.KindInvalidRequest, "validate position", msg, nil)
}
