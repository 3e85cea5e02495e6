package domain

import "time"

type Tier string

const (
	TierEasy   Tier = "easy"
	TierMedium Tier = "medium"
	TierHard   Tier = "hard"
)

// DifficultyProfile is the engine strength applied to a single search.
type DifficultyProfile struct {
	SkillLevel  int `json:"skill_level"`
	SearchDepth int `json:"search_depth"`
}

type EngineRequest struct {
	ID       string
	Position string
	Profile  DifficultyProfile
}

type MoveResult struct {
	RequestID string `json:"request_id"`
	Move      string `json:"move"`
	Ponder    string `json:"ponder,omitempty"`
}

type LedgerMoveSubmission struct {
	GameAccount     string `json:"game_account"`
	PlayerAccount   string `json:"player_account,omitempty"`
	EscrowAccount   string `json:"escrow_account,omitempty"`
	TreasuryAccount string `json:"treasury_account,omitempty"`
	Move            string `json:"move"`
	MoveSequence    uint64 `json:"move_sequence"`
}

type ConfirmationState string

const (
	ConfirmationPending   ConfirmationState = "pending"
	ConfirmationConfirmed ConfirmationState = "confirmed"
	ConfirmationFailed    ConfirmationState = "failed"
)

type TransactionReceipt struct {
	GameAccount    string            `json:"game_account"`
	MoveSequence   uint64            `json:"move_sequence"`
	Signature      string            `json:"signature,omitempty"`
	Signatures     []string          `json:"signatures,omitempty"`
	State          ConfirmationState `json:"confirmation_state"`
	AlreadyApplied bool              `json:"already_applied"`
	Attempts       int               `json:"attempts"`
	Slot           uint64            `json:"slot,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// GameState is the prefix of the on-chain game record the service reads.
type GameState struct {
	Player     string `json:"player"`
	Difficulty uint8  `json:"difficulty"`
	Stake      uint64 `json:"stake"`
	MoveCount  uint64 `json:"move_count"`
}

type EventType string

const (
	EventMoveSuggested      EventType = "MoveSuggested"
	EventMoveRejected       EventType = "MoveRejected"
	EventEngineFailed       EventType = "EngineFailed"
	EventEngineRestarted    EventType = "EngineRestarted"
	EventMoveSubmitted      EventType = "MoveSubmitted"
	EventMoveAlreadyApplied EventType = "MoveAlreadyApplied"
	EventSubmissionFailed   EventType = "SubmissionFailed"
)

type Event struct {
	ID          string                 `json:"event_id"`
	GameAccount string                 `json:"game_account,omitempty"`
	Type        EventType              `json:"event_type"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
}
