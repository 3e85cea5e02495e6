package ledger

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/tidwall/gjson"
)

type Role string

const (
	RoleGame     Role = "game"
	RolePlayer   Role = "player"
	RoleEscrow   Role = "escrow"
	RoleTreasury Role = "treasury"
)

const (
	makeMoveInstruction = "make_move"
	gameAccountType     = "GameAccount"
)

// Program describes the on-chain program the service talks to: where it
// lives, how make_move is addressed, its arguments and the order of its
// accounts.
type Program struct {
	ID                     solana.PublicKey
	MakeMoveDiscriminator  [8]byte
	GameStateDiscriminator [8]byte
	Accounts               []Role
	// SequenceArg is set when make_move takes a u64 move sequence after the
	// move string. Without it the program does not check sequences itself.
	SequenceArg bool
}

// DefaultProgram assumes the stock Equinox interface: make_move(move_str)
// over game_account, player, escrow, treasury.
func DefaultProgram(id solana.PublicKey) Program {
	return Program{
		ID:                     id,
		MakeMoveDiscriminator:  anchorDiscriminator("global", makeMoveInstruction),
		GameStateDiscriminator: anchorDiscriminator("account", gameAccountType),
		Accounts:               []Role{RoleGame, RolePlayer, RoleEscrow, RoleTreasury},
	}
}

// LoadProgram builds a Program from a program id and, when idlPath is set,
// the program's Anchor IDL.
func LoadProgram(programID, idlPath string) (Program, error) {
	id, err := solana.PublicKeyFromBase58(strings.TrimSpace(programID))
	if err != nil {
		return Program{}, fmt.Errorf("program id: %w", err)
	}
	if idlPath == "" {
		return DefaultProgram(id), nil
	}
	raw, err := os.ReadFile(idlPath)
	if err != nil {
		return Program{}, fmt.Errorf("read idl: %w", err)
	}
	return ParseIDL(id, raw)
}

func ParseIDL(id solana.PublicKey, raw []byte) (Program, error) {
	if !gjson.ValidBytes(raw) {
		return Program{}, fmt.Errorf("idl is not valid json")
	}
	p := DefaultProgram(id)

	var ins gjson.Result
	gjson.GetBytes(raw, "instructions").ForEach(func(_, v gjson.Result) bool {
		if normalizeName(v.Get("name").String()) == "makemove" {
			ins = v
			return false
		}
		return true
	})
	if !ins.Exists() {
		return Program{}, fmt.Errorf("idl has no make_move instruction")
	}
	if d := ins.Get("discriminator"); d.Exists() {
		disc, err := discriminatorFrom(d)
		if err != nil {
			return Program{}, fmt.Errorf("make_move discriminator: %w", err)
		}
		p.MakeMoveDiscriminator = disc
	}

	if args := ins.Get("args"); args.Exists() {
		withSeq, err := makeMoveArgs(args.Array())
		if err != nil {
			return Program{}, err
		}
		p.SequenceArg = withSeq
	}

	names := ins.Get("accounts.#.name").Array()
	roles := make([]Role, 0, len(names))
	seen := make(map[Role]bool)
	for _, n := range names {
		role, ok := roleFor(n.String())
		if !ok {
			return Program{}, fmt.Errorf("make_move account %q has no known role", n.String())
		}
		if seen[role] {
			return Program{}, fmt.Errorf("make_move lists role %s twice", role)
		}
		seen[role] = true
		roles = append(roles, role)
	}
	for _, r := range []Role{RoleGame, RolePlayer, RoleEscrow, RoleTreasury} {
		if !seen[r] {
			return Program{}, fmt.Errorf("make_move is missing the %s account", r)
		}
	}
	p.Accounts = roles

	gjson.GetBytes(raw, "accounts").ForEach(func(_, v gjson.Result) bool {
		if v.Get("name").String() != gameAccountType {
			return true
		}
		if d := v.Get("discriminator"); d.Exists() {
			if disc, err := discriminatorFrom(d); err == nil {
				p.GameStateDiscriminator = disc
			}
		}
		return false
	})
	return p, nil
}

// makeMoveArgs accepts (string) or (string, u64) and reports whether the
// sequence argument is present.
func makeMoveArgs(args []gjson.Result) (bool, error) {
	typeOf := func(a gjson.Result) string { return a.Get("type").String() }
	switch {
	case len(args) == 1 && typeOf(args[0]) == "string":
		return false, nil
	case len(args) == 2 && typeOf(args[0]) == "string" && typeOf(args[1]) == "u64":
		return true, nil
	}
	kinds := make([]string, 0, len(args))
	for _, a := range args {
		kinds = append(kinds, a.Get("name").String()+":"+a.Get("type").Raw)
	}
	return false, fmt.Errorf("make_move args (%s) are not (string) or (string, u64)", strings.Join(kinds, ", "))
}

func roleFor(name string) (Role, bool) {
	switch normalizeName(name) {
	case "gameaccount", "game":
		return RoleGame, true
	case "player":
		return RolePlayer, true
	case "escrow":
		return RoleEscrow, true
	case "treasury":
		return RoleTreasury, true
	}
	return "", false
}

// normalizeName folds snake_case and camelCase IDL names together.
func normalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", ""))
}

func discriminatorFrom(v gjson.Result) ([8]byte, error) {
	var out [8]byte
	arr := v.Array()
	if len(arr) != len(out) {
		return out, fmt.Errorf("want %d bytes, got %d", len(out), len(arr))
	}
	for i, b := range arr {
		n := b.Int()
		if n < 0 || n > 255 {
			return out, fmt.Errorf("byte %d out of range", i)
		}
		out[i] = byte(n)
	}
	return out, nil
}

func anchorDiscriminator(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}
