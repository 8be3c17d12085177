package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FactionID identifies one participant slot in a session.
type FactionID int

// AuthorityID addresses the authoritative role regardless of which faction it hosts.
const AuthorityID FactionID = -1

// Turn is the logical lockstep time unit.
type Turn int64

// Op defines the lockstep wire operations.
type Op string

const (
	OpCommands        Op = "COMMANDS"
	OpBatch           Op = "BATCH"
	OpAck             Op = "ACK"
	OpValidateRequest Op = "VALIDATE_REQUEST"
	OpValidation      Op = "VALIDATION"
	OpRejected        Op = "REJECTED"
	OpPause           Op = "PAUSE"
	OpRemoved         Op = "REMOVED"
)

var validOps = map[Op]struct{}{
	OpCommands:        {},
	OpBatch:           {},
	OpAck:             {},
	OpValidateRequest: {},
	OpValidation:      {},
	OpRejected:        {},
	OpPause:           {},
	OpRemoved:         {},
}

// Command is one player action. SequenceID is assigned by the authoritative role and
// starts at 1; zero means not yet assigned.
type Command struct {
	FactionID  FactionID       `json:"faction_id"`
	SequenceID int64           `json:"sequence_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// CommandBatch holds every command assigned to one turn. LastSequenceID is the highest id
// relayed up to and including this turn, so an empty batch repeats the previous value.
type CommandBatch struct {
	Turn           Turn      `json:"turn"`
	Commands       []Command `json:"commands"`
	LastSequenceID int64     `json:"last_sequence_id"`
}

// Validate checks that commands are id-ordered and covered by LastSequenceID.
func (b CommandBatch) Validate() error {
	if b.Turn < 0 {
		return fmt.Errorf("negative turn: %d", b.Turn)
	}
	var prev int64
	for _, c := range b.Commands {
		if c.SequenceID <= 0 {
			return errors.New("command without sequence_id")
		}
		if c.SequenceID <= prev {
			return fmt.Errorf("sequence_id %d not increasing after %d", c.SequenceID, prev)
		}
		prev = c.SequenceID
	}
	if prev > b.LastSequenceID {
		return fmt.Errorf("last_sequence_id %d below command id %d", b.LastSequenceID, prev)
	}
	return nil
}

// ValidationState is the handshake state of one faction.
type ValidationState int

const (
	Unvalidated ValidationState = iota
	LocallyValidated
	GloballyValidated
)

func (s ValidationState) String() string {
	switch s {
	case Unvalidated:
		return "UNVALIDATED"
	case LocallyValidated:
		return "LOCALLY_VALIDATED"
	case GloballyValidated:
		return "GLOBALLY_VALIDATED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s ValidationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *ValidationState) UnmarshalText(text []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(text))) {
	case "UNVALIDATED":
		*s = Unvalidated
	case "LOCALLY_VALIDATED":
		*s = LocallyValidated
	case "GLOBALLY_VALIDATED":
		*s = GloballyValidated
	default:
		return fmt.Errorf("invalid validation state: %s", text)
	}
	return nil
}

// Message is the envelope exchanged between nodes.
type Message struct {
	MessageID string          `json:"message_id"`
	SessionID string          `json:"session_id,omitempty"`
	Op        Op              `json:"op"`
	From      FactionID       `json:"from"`
	SentAt    time.Time       `json:"sent_at"`
	Payload   json.RawMessage `json:"payload"`
}

// NewMessage builds an envelope around payload.
func NewMessage(sessionID string, from FactionID, op Op, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", op, err)
	}
	return Message{
		MessageID: uuid.NewString(),
		SessionID: sessionID,
		Op:        op,
		From:      from,
		SentAt:    time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// ValidateBasic checks required envelope fields.
func (m Message) ValidateBasic() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return errors.New("message_id is required")
	}
	if _, ok := validOps[m.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", m.Op)
	}
	if len(m.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// DecodePayload decodes operation payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

type CommandsPayload struct {
	Commands []Command `json:"commands"`
}

type BatchPayload struct {
	Batch CommandBatch `json:"batch"`
	// RelayedRTT is the authority's latest RTT estimate for the receiving faction.
	RelayedRTT time.Duration `json:"relayed_rtt_ns,omitempty"`
}

type AckPayload struct {
	Turn Turn `json:"turn"`
}

type ValidateRequestPayload struct {
	Faction  FactionID `json:"faction"`
	GameCode string    `json:"game_code"`
}

type ValidationPayload struct {
	Faction FactionID       `json:"faction"`
	State   ValidationState `json:"state"`
}

type RejectedPayload struct {
	Faction FactionID `json:"faction"`
	Reason  string    `json:"reason"`
}

type PausePayload struct {
	Paused bool `json:"paused"`
}

type RemovedPayload struct {
	Faction FactionID `json:"faction"`
	Reason  string    `json:"reason"`
}
