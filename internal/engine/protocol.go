package engine

import (
	"fmt"
	"strings"

	"equinox/internal/domain"
)

const (
	cmdUCI     = "uci"
	cmdIsReady = "isready"
	cmdStop    = "stop"
	cmdQuit    = "quit"

	evUCIOK    = "uciok"
	evReadyOK  = "readyok"
	evBestMove = "bestmove"
)

func setSkillCommand(level int) string {
	return fmt.Sprintf("setoption name Skill Level value %d", level)
}

func positionCommand(fen string) string {
	return "position fen " + fen
}

func goDepthCommand(depth int) string {
	return fmt.Sprintf("go depth %d", depth)
}

type bestMove struct {
	move   string
	ponder string
}

// parseBestMove reports whether line is a terminal search event and, if so,
// the move it carries.
func parseBestMove(line string) (bestMove, bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != evBestMove {
		return bestMove{}, false, nil
	}
	if len(fields) < 2 {
		return bestMove{}, true, fmt.Errorf("bestmove without a move: %q", line)
	}
	if fields[1] == "(none)" || fields[1] == "0000" {
		return bestMove{}, true, domain.ErrNoLegalMove
	}
	if !domain.IsMoveToken(fields[1]) {
		return bestMove{}, true, fmt.Errorf("malformed move token %q", fields[1])
	}
	bm := bestMove{move: fields[1]}
	if len(fields) >= 4 && fields[2] == "ponder" && domain.IsMoveToken(fields[3]) {
		bm.ponder = fields[3]
	}
	return bm, true, nil
}
