package ledger

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"equinox/internal/domain"
)

// gameAccountPrefix mirrors the leading fields of the on-chain game record.
type gameAccountPrefix struct {
	Discriminator [8]byte
	Player        solana.PublicKey
	Difficulty    uint8
	Stake         uint64
	MoveCount     uint64
}

type accountSet struct {
	game     solana.PublicKey
	player   solana.PublicKey
	escrow   solana.PublicKey
	treasury solana.PublicKey
}

func (a accountSet) key(r Role) solana.PublicKey {
	switch r {
	case RoleGame:
		return a.game
	case RolePlayer:
		return a.player
	case RoleEscrow:
		return a.escrow
	default:
		return a.treasury
	}
}

func encodeMakeMove(p Program, move string, sequence uint64) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(p.MakeMoveDiscriminator[:])
	enc := bin.NewBorshEncoder(buf)
	if err := enc.Encode(move); err != nil {
		return nil, fmt.Errorf("encode make_move: %w", err)
	}
	if p.SequenceArg {
		if err := enc.Encode(sequence); err != nil {
			return nil, fmt.Errorf("encode make_move: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func buildMakeMove(p Program, accts accountSet, move string, sequence uint64) (solana.Instruction, error) {
	data, err := encodeMakeMove(p, move, sequence)
	if err != nil {
		return nil, err
	}
	metas := make(solana.AccountMetaSlice, 0, len(p.Accounts))
	for _, role := range p.Accounts {
		metas = append(metas, solana.NewAccountMeta(accts.key(role), true, role == RolePlayer))
	}
	return solana.NewInstruction(p.ID, metas, data), nil
}

func decodeGameState(p Program, data []byte) (domain.GameState, error) {
	var prefix gameAccountPrefix
	if err := bin.NewBorshDecoder(data).Decode(&prefix); err != nil {
		return domain.GameState{}, fmt.Errorf("decode game account: %w", err)
	}
	if prefix.Discriminator != p.GameStateDiscriminator {
		return domain.GameState{}, fmt.Errorf("account is not a game record")
	}
	return domain.GameState{
		Player:     prefix.Player.String(),
		Difficulty: prefix.Difficulty,
		Stake:      prefix.Stake,
		MoveCount:  prefix.MoveCount,
	}, nil
}
