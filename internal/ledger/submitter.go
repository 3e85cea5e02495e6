package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"equinox/internal/domain"
)

type EventRecorder interface {
	Record(ctx context.Context, eventType domain.EventType, gameAccount string, payload map[string]interface{}) domain.Event
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type ReceiptStore interface {
	SaveReceipt(receipt domain.TransactionReceipt)
}

type Options struct {
	MaxAttempts     int
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	RetryBase       time.Duration
	RetryMax        time.Duration
	DefaultEscrow   string
	DefaultTreasury string
	// SubmitTimeout bounds a whole submission across attempts. Callers that
	// stop waiting earlier get an unresolved outcome while the submission
	// carries on.
	SubmitTimeout time.Duration
	Logger        zerolog.Logger
}

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = time.Duration(o.MaxAttempts)*(o.ConfirmTimeout+o.RetryMax) + 10*time.Second
	}
}

var errConfirmWindow = errors.New("confirmation window elapsed")

// pendingTx is a signed make_move that may still land. Until its blockhash
// expires it is the only transaction allowed for its (game, sequence): a
// retry sends the same bytes again instead of signing a second one.
type pendingTx struct {
	move      string
	tx        *solana.Transaction
	sig       solana.Signature
	lastValid uint64
}

// Submitter records engine moves on chain. Every attempt starts by reading
// the game account, and a move whose sequence is already covered by the
// on-chain move counter is reported as applied rather than sent again. The
// only other state it keeps is the signed transaction per (game, sequence)
// that has not yet confirmed, failed or expired.
type Submitter struct {
	chain     Chain
	program   Program
	authority Signer
	receipts  ReceiptStore
	journal   EventRecorder
	notifier  Notifier
	opts      Options
	log       zerolog.Logger

	group    singleflight.Group
	inflight *semaphore.Weighted

	mu      sync.Mutex
	pending map[string]*pendingTx
}

func NewSubmitter(chain Chain, program Program, authority Signer, receipts ReceiptStore, journal EventRecorder, notifier Notifier, opts Options) *Submitter {
	opts.withDefaults()
	return &Submitter{
		chain:     chain,
		program:   program,
		authority: authority,
		receipts:  receipts,
		journal:   journal,
		notifier:  notifier,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "ledger").Logger(),
		inflight:  semaphore.NewWeighted(1),
		pending:   make(map[string]*pendingTx),
	}
}

func (s *Submitter) Authority() solana.PublicKey {
	return s.authority.PublicKey()
}

// Submit records sub on chain and waits for confirmation. Identical
// concurrent submissions share one execution and one receipt.
func (s *Submitter) Submit(ctx context.Context, sub domain.LedgerMoveSubmission) (domain.TransactionReceipt, error) {
	accts, err := s.accounts(sub)
	if err != nil {
		return domain.TransactionReceipt{}, err
	}
	move := strings.ToLower(strings.TrimSpace(sub.Move))
	if !domain.IsMoveToken(move) {
		return domain.TransactionReceipt{}, domain.E(domain.KindInvalidRequest, "submit move", "move must be in long algebraic notation", nil)
	}
	if sub.MoveSequence == 0 {
		return domain.TransactionReceipt{}, domain.E(domain.KindInvalidRequest, "submit move", "move_sequence starts at 1", nil)
	}
	key := pendingKey(accts.game, sub.MoveSequence)
	if p := s.pendingFor(key); p != nil && p.move != move {
		return domain.TransactionReceipt{}, domain.E(domain.KindInvalidRequest, "submit move",
			fmt.Sprintf("move_sequence %d already has %s in flight", sub.MoveSequence, p.move), nil)
	}

	ch := s.group.DoChan(key+"/"+move, func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SubmitTimeout)
		defer cancel()
		return s.submit(wctx, accts, move, sub.MoveSequence)
	})
	select {
	case res := <-ch:
		receipt, _ := res.Val.(domain.TransactionReceipt)
		return receipt, res.Err
	case <-ctx.Done():
		return domain.TransactionReceipt{}, domain.E(domain.KindConfirmationTimeout, "submit move", "stopped waiting before the outcome was known", ctx.Err())
	}
}

func pendingKey(game solana.PublicKey, seq uint64) string {
	return fmt.Sprintf("%s/%d", game, seq)
}

func (s *Submitter) pendingFor(key string) *pendingTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[key]
}

func (s *Submitter) setPending(key string, p *pendingTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		delete(s.pending, key)
		return
	}
	s.pending[key] = p
}

func (s *Submitter) accounts(sub domain.LedgerMoveSubmission) (accountSet, error) {
	var a accountSet
	var err error
	if a.game, err = parseAccount("game_account", sub.GameAccount, ""); err != nil {
		return a, err
	}
	if a.escrow, err = parseAccount("escrow_account", sub.EscrowAccount, s.opts.DefaultEscrow); err != nil {
		return a, err
	}
	if a.treasury, err = parseAccount("treasury_account", sub.TreasuryAccount, s.opts.DefaultTreasury); err != nil {
		return a, err
	}
	a.player = s.authority.PublicKey()
	if strings.TrimSpace(sub.PlayerAccount) != "" {
		player, err := parseAccount("player_account", sub.PlayerAccount, "")
		if err != nil {
			return a, err
		}
		if !player.Equals(a.player) {
			return a, domain.E(domain.KindInvalidRequest, "submit move", "player_account must be the service authority", nil)
		}
	}
	return a, nil
}

func parseAccount(field, raw, fallback string) (solana.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = strings.TrimSpace(fallback)
	}
	if raw == "" {
		return solana.PublicKey{}, domain.E(domain.KindInvalidRequest, "submit move", field+" is required", nil)
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, domain.E(domain.KindInvalidRequest, "submit move", field+" is not a valid public key", err)
	}
	return pk, nil
}

func (s *Submitter) submit(ctx context.Context, accts accountSet, move string, seq uint64) (domain.TransactionReceipt, error) {
	receipt := domain.TransactionReceipt{
		GameAccount:  accts.game.String(),
		MoveSequence: seq,
		State:        domain.ConfirmationPending,
	}
	if err := s.inflight.Acquire(ctx, 1); err != nil {
		err = domain.E(domain.KindBroadcast, "submit move", "not sent: submission queue wait expired", err)
		s.fail(ctx, &receipt, err)
		return receipt, err
	}
	defer s.inflight.Release(1)

	key := pendingKey(accts.game, seq)
	if p := s.pendingFor(key); p != nil && p.move != move {
		// Another move for this sequence went out while this one queued.
		// The receipt on record belongs to that move and stays as it is.
		return receipt, domain.E(domain.KindInvalidRequest, "submit move",
			fmt.Sprintf("move_sequence %d already has %s in flight", seq, p.move), nil)
	}
	log := s.log.With().Str("game", receipt.GameAccount).Uint64("seq", seq).Logger()

	op := func() (domain.TransactionReceipt, error) {
		receipt.Attempts++

		// Expiry is checked before the game read: a transaction whose
		// blockhash has expired can no longer land, so the read that follows
		// is final for it.
		p := s.pendingFor(key)
		if p != nil && s.expired(ctx, p) {
			log.Info().Str("signature", p.sig.String()).Msg("pending transaction expired unconfirmed")
			s.setPending(key, nil)
			p = nil
		}

		applied, err := s.applied(ctx, accts.game, seq)
		if err != nil {
			return receipt, err
		}
		if applied {
			s.setPending(key, nil)
			s.confirmApplied(&receipt)
			return receipt, nil
		}

		resend := p != nil
		if !resend {
			if p, err = s.sign(ctx, accts, move, seq); err != nil {
				if domain.KindOf(err) == domain.KindSignature {
					return receipt, backoff.Permanent(err)
				}
				return receipt, err
			}
			s.setPending(key, p)
		}
		receipt.Signature = p.sig.String()
		if !contains(receipt.Signatures, receipt.Signature) {
			receipt.Signatures = append(receipt.Signatures, receipt.Signature)
		}

		if _, err := s.chain.SendTransaction(ctx, p.tx); err != nil {
			if resend {
				// The cluster may already hold these exact bytes; its answer
				// to a duplicate is not a verdict on the transaction.
				log.Debug().Err(err).Str("signature", receipt.Signature).Msg("rebroadcast rejected")
			} else {
				if ok, qerr := s.applied(ctx, accts.game, seq); qerr == nil && ok {
					s.setPending(key, nil)
					s.confirmApplied(&receipt)
					return receipt, nil
				}
				return receipt, backoff.Permanent(domain.E(domain.KindBroadcast, "send transaction", "", err))
			}
		}
		log.Info().Str("signature", receipt.Signature).Int("attempt", receipt.Attempts).Bool("resend", resend).Msg("move broadcast")

		status, err := s.awaitConfirmation(ctx, p.sig)
		switch {
		case err == nil && status.Failed:
			s.setPending(key, nil)
			receipt.State = domain.ConfirmationFailed
			receipt.Slot = status.Slot
			return receipt, backoff.Permanent(domain.E(domain.KindTransactionFailed, "submit move", "transaction failed on chain: "+status.Reason, nil))
		case err == nil:
			s.setPending(key, nil)
			receipt.State = domain.ConfirmationConfirmed
			receipt.Slot = status.Slot
			return receipt, nil
		case errors.Is(err, errConfirmWindow):
			if ok, qerr := s.applied(ctx, accts.game, seq); qerr == nil && ok {
				s.setPending(key, nil)
				s.confirmApplied(&receipt)
				return receipt, nil
			}
			log.Warn().Str("signature", receipt.Signature).Int("attempt", receipt.Attempts).Msg("confirmation window elapsed")
			return receipt, domain.E(domain.KindConfirmationTimeout, "submit move", "not confirmed within the confirmation window", nil)
		default:
			return receipt, err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryBase
	b.MaxInterval = s.opts.RetryMax
	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.opts.MaxAttempts)))
	if err != nil {
		err = s.classify(err, receipt)
		s.fail(ctx, &receipt, err)
		return receipt, err
	}

	receipt.UpdatedAt = time.Now().UTC()
	s.receipts.SaveReceipt(receipt)
	if receipt.AlreadyApplied {
		s.journal.Record(ctx, domain.EventMoveAlreadyApplied, receipt.GameAccount, map[string]interface{}{
			"move_sequence": seq,
			"attempts":      receipt.Attempts,
		})
		log.Info().Msg("move already applied")
	} else {
		s.journal.Record(ctx, domain.EventMoveSubmitted, receipt.GameAccount, map[string]interface{}{
			"move_sequence": seq,
			"move":          move,
			"signature":     receipt.Signature,
			"attempts":      receipt.Attempts,
			"slot":          receipt.Slot,
		})
		log.Info().Str("signature", receipt.Signature).Uint64("slot", receipt.Slot).Msg("move confirmed")
	}
	return receipt, nil
}

// confirmApplied marks the receipt confirmed from chain state. The receipt
// is "already applied" only when this call never broadcast anything itself.
func (s *Submitter) confirmApplied(r *domain.TransactionReceipt) {
	r.State = domain.ConfirmationConfirmed
	r.AlreadyApplied = len(r.Signatures) == 0
}

// expired reports whether p can no longer land. An unreadable block height
// counts as not expired.
func (s *Submitter) expired(ctx context.Context, p *pendingTx) bool {
	height, err := s.chain.BlockHeight(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("block height")
		return false
	}
	return height > p.lastValid
}

// applied reports whether the move with sequence seq is already reflected in
// the game account. A sequence more than one ahead of the counter is refused.
func (s *Submitter) applied(ctx context.Context, game solana.PublicKey, seq uint64) (bool, error) {
	state, err := s.chain.GameState(ctx, game)
	if err != nil {
		if errors.Is(err, errAccountMissing) {
			return false, backoff.Permanent(domain.E(domain.KindInvalidRequest, "query game", "game account not found", err))
		}
		if ctx.Err() != nil {
			return false, backoff.Permanent(err)
		}
		return false, domain.E(domain.KindBroadcast, "query game", "could not read game account", err)
	}
	if state.MoveCount >= seq {
		return true, nil
	}
	if state.MoveCount+1 < seq {
		return false, backoff.Permanent(domain.E(domain.KindInvalidRequest, "query game",
			fmt.Sprintf("move_sequence %d skips ahead of on-chain count %d", seq, state.MoveCount), nil))
	}
	return false, nil
}

// sign builds and signs a fresh make_move. Nothing is sent.
func (s *Submitter) sign(ctx context.Context, accts accountSet, move string, seq uint64) (*pendingTx, error) {
	ix, err := buildMakeMove(s.program, accts, move, seq)
	if err != nil {
		return nil, domain.E(domain.KindSignature, "build transaction", "", err)
	}
	blockhash, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, domain.E(domain.KindBroadcast, "fetch blockhash", "", err)
	}
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash.Hash, solana.TransactionPayer(s.authority.PublicKey()))
	if err != nil {
		return nil, domain.E(domain.KindSignature, "build transaction", "", err)
	}
	if err := s.authority.SignTransaction(tx); err != nil {
		return nil, domain.E(domain.KindSignature, "sign transaction", "", err)
	}
	if len(tx.Signatures) == 0 {
		return nil, domain.E(domain.KindSignature, "sign transaction", "signer produced no signature", nil)
	}
	return &pendingTx{move: move, tx: tx, sig: tx.Signatures[0], lastValid: blockhash.LastValidBlockHeight}, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (s *Submitter) awaitConfirmation(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	window := time.NewTimer(s.opts.ConfirmTimeout)
	defer window.Stop()
	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()

	for {
		status, err := s.chain.SignatureStatus(ctx, sig)
		if err != nil {
			s.log.Debug().Err(err).Str("signature", sig.String()).Msg("signature status")
		} else if status.Failed || status.Confirmed {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return SignatureStatus{}, backoff.Permanent(ctx.Err())
		case <-window.C:
			return SignatureStatus{}, errConfirmWindow
		case <-poll.C:
		}
	}
}

// classify gives every terminal error a domain kind. Errors that escape
// without one are context expiries.
func (s *Submitter) classify(err error, r domain.TransactionReceipt) error {
	if domain.KindOf(err) != "" {
		return err
	}
	if len(r.Signatures) > 0 {
		return domain.E(domain.KindConfirmationTimeout, "submit move", "outcome unresolved when the submission deadline passed", err)
	}
	return domain.E(domain.KindBroadcast, "submit move", "not sent before the submission deadline", err)
}

func (s *Submitter) fail(ctx context.Context, r *domain.TransactionReceipt, err error) {
	if r.State == domain.ConfirmationPending && domain.KindOf(err) != domain.KindConfirmationTimeout && len(r.Signatures) == 0 {
		r.State = domain.ConfirmationFailed
	}
	r.UpdatedAt = time.Now().UTC()
	s.receipts.SaveReceipt(*r)
	s.journal.Record(ctx, domain.EventSubmissionFailed, r.GameAccount, map[string]interface{}{
		"move_sequence": r.MoveSequence,
		"kind":          domain.KindOf(err),
		"attempts":      r.Attempts,
		"signatures":    r.Signatures,
	})
	s.log.Error().Err(err).Str("game", r.GameAccount).Uint64("seq", r.MoveSequence).Int("attempts", r.Attempts).Msg("move submission failed")
	if s.notifier != nil {
		msg := fmt.Sprintf("ledger submission failed: game=%s seq=%d kind=%s", r.GameAccount, r.MoveSequence, domain.KindOf(err))
		if nerr := s.notifier.Notify(ctx, msg); nerr != nil {
			s.log.Warn().Err(nerr).Msg("notify failed")
		}
	}
}
