package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"equinox/internal/domain"
)

type sentMove struct {
	move      string
	sequence  uint64
	signature solana.Signature
	accounts  []solana.PublicKey
}

// fakeChain is an in-memory game account plus a transaction pipeline whose
// behaviour each test shapes. Like the deployed program, make_move bumps
// the move counter every time a transaction lands, whatever it carries.
type fakeChain struct {
	mu sync.Mutex

	moveCount uint64
	missing   bool

	// height is the block height. Each BlockHeight call advances it by
	// heightStep, and a blockhash handed out at height h is usable up to
	// h+validFor.
	height     uint64
	heightStep uint64
	validFor   uint64

	// holdSends makes the first N distinct transactions sit in the pipeline:
	// accepted by RPC, invisible to status queries. They land landAfter
	// later if their blockhash is still valid, or never when landAfter is 0.
	holdSends int
	landAfter time.Duration
	// sendErrs makes the next N sends return sendErr. When sendLands is set
	// the transaction still takes effect.
	sendErrs  int
	sendErr   error
	sendLands bool
	// hideStatus keeps signature statuses unknown even for landed sends.
	hideStatus  bool
	failOnChain string

	blockhashes int
	lastValid   map[solana.Hash]uint64
	held        map[solana.Signature]bool
	landed      map[solana.Signature]bool
	sends       []sentMove
	queries     int
	visible     map[solana.Signature]SignatureStatus
}

func newFakeChain(moveCount uint64) *fakeChain {
	return &fakeChain{
		moveCount: moveCount,
		validFor:  150,
		lastValid: make(map[solana.Hash]uint64),
		held:      make(map[solana.Signature]bool),
		landed:    make(map[solana.Signature]bool),
		visible:   make(map[solana.Signature]SignatureStatus),
	}
}

func (f *fakeChain) GameState(ctx context.Context, account solana.PublicKey) (domain.GameState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.missing {
		return domain.GameState{}, errAccountMissing
	}
	return domain.GameState{MoveCount: f.moveCount}, nil
}

func (f *fakeChain) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockhashes++
	var h solana.Hash
	binary.LittleEndian.PutUint64(h[:8], uint64(f.blockhashes))
	f.lastValid[h] = f.height + f.validFor
	return Blockhash{Hash: h, LastValidBlockHeight: f.lastValid[h]}, nil
}

func (f *fakeChain) BlockHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height += f.heightStep
	return f.height, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(tx.Signatures) != 1 || len(tx.Message.Instructions) != 1 {
		return solana.Signature{}, errors.New("malformed transaction")
	}
	ix := tx.Message.Instructions[0]
	move, seq, err := decodeMakeMoveForTest(ix.Data)
	if err != nil {
		return solana.Signature{}, err
	}
	accounts := make([]solana.PublicKey, 0, len(ix.Accounts))
	for _, idx := range ix.Accounts {
		accounts = append(accounts, tx.Message.AccountKeys[idx])
	}
	sig := tx.Signatures[0]
	f.sends = append(f.sends, sentMove{move: move, sequence: seq, signature: sig, accounts: accounts})

	blockhash := tx.Message.RecentBlockhash
	if f.expired(blockhash) {
		return solana.Signature{}, errors.New("blockhash not found")
	}
	if f.sendErrs > 0 {
		f.sendErrs--
		if f.sendLands {
			f.land(sig)
		}
		return solana.Signature{}, f.sendErr
	}
	if f.held[sig] || f.landed[sig] {
		return sig, nil
	}
	if f.holdSends > 0 {
		f.holdSends--
		f.held[sig] = true
		if f.landAfter > 0 {
			time.AfterFunc(f.landAfter, func() {
				f.mu.Lock()
				defer f.mu.Unlock()
				if !f.expired(blockhash) {
					f.land(sig)
				}
			})
		}
		return sig, nil
	}
	f.land(sig)
	return sig, nil
}

func (f *fakeChain) expired(h solana.Hash) bool {
	last, ok := f.lastValid[h]
	return !ok || f.height > last
}

// land applies a transaction once per signature.
func (f *fakeChain) land(sig solana.Signature) {
	if f.landed[sig] {
		return
	}
	f.landed[sig] = true
	delete(f.held, sig)
	if f.failOnChain != "" {
		f.visible[sig] = SignatureStatus{Found: true, Failed: true, Reason: f.failOnChain, Slot: 7}
		return
	}
	f.moveCount++
	if !f.hideStatus {
		f.visible[sig] = SignatureStatus{Found: true, Confirmed: true, Slot: 42}
	}
}

func (f *fakeChain) SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible[sig], nil
}

func (f *fakeChain) sent() []sentMove {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMove(nil), f.sends...)
}

func (f *fakeChain) count() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moveCount
}

func distinctSignatures(sends []sentMove) int {
	seen := make(map[solana.Signature]bool)
	for _, s := range sends {
		seen[s.signature] = true
	}
	return len(seen)
}

// decodeMakeMoveForTest reads make_move data with or without the trailing
// sequence. The sequence is zero when absent.
func decodeMakeMoveForTest(data []byte) (string, uint64, error) {
	if len(data) < 8+4 {
		return "", 0, fmt.Errorf("short instruction data")
	}
	rest := data[8:]
	n := binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]
	switch uint32(len(rest)) {
	case n:
		return string(rest), 0, nil
	case n + 8:
		return string(rest[:n]), binary.LittleEndian.Uint64(rest[n:]), nil
	}
	return "", 0, fmt.Errorf("instruction data length mismatch")
}
