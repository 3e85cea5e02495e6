package domain

import "regexp"

var moveToken = regexp.MustCompile(`^[a-h][1-8][a-h][1-8][qrbn]?$`)

// IsMoveToken reports whether s is a move in long algebraic (UCI) notation.
func IsMoveToken(s string) bool {
	return moveToken.MatchString(s)
}
