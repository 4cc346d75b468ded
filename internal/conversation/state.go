package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FlowKind names a position in the verification sub-state-machine.
type FlowKind string

const (
	KindIdle                 FlowKind = "idle"
	KindAwaitingEmail        FlowKind = "awaiting_email"
	KindAwaitingRegisterCode FlowKind = "awaiting_code_register"
	KindAwaitingLinkCode     FlowKind = "awaiting_code_link"
)

// Flow is a closed union; each variant carries only the fields valid for it.
type Flow interface {
	Kind() FlowKind
	isFlow()
}

type Idle struct{}

type AwaitingEmail struct{}

// AwaitingRegisterCode waits for a code proving the address for AccountID.
type AwaitingRegisterCode struct {
	AccountID string `json:"account_id"`
}

// AwaitingLinkCode waits for a code that merges the provisional account of
// the chat identity into the verified target account.
type AwaitingLinkCode struct {
	ProvisionalAccountID string `json:"provisional_account_id"`
	TargetAccountID      string `json:"target_account_id"`
}

func (Idle) Kind() FlowKind                 { return KindIdle }
func (AwaitingEmail) Kind() FlowKind        { return KindAwaitingEmail }
func (AwaitingRegisterCode) Kind() FlowKind { return KindAwaitingRegisterCode }
func (AwaitingLinkCode) Kind() FlowKind     { return KindAwaitingLinkCode }

func (Idle) isFlow()                 {}
func (AwaitingEmail) isFlow()        {}
func (AwaitingRegisterCode) isFlow() {}
func (AwaitingLinkCode) isFlow()     {}

// ChallengeAccountID returns the account a code in this flow is checked
// against, or "" when the flow is not waiting for a code.
func ChallengeAccountID(f Flow) string {
	switch v := f.(type) {
	case AwaitingRegisterCode:
		return v.AccountID
	case AwaitingLinkCode:
		return v.TargetAccountID
	default:
		return ""
	}
}

var ErrUnknownFlow = errors.New("unknown flow kind")

// MarshalFlow encodes a flow payload for storage.
func MarshalFlow(f Flow) (FlowKind, []byte, error) {
	if f == nil {
		f = Idle{}
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return "", nil, fmt.Errorf("marshal flow: %w", err)
	}
	return f.Kind(), payload, nil
}

// UnmarshalFlow decodes a stored flow and rejects payloads missing the
// fields their variant needs.
func UnmarshalFlow(kind FlowKind, payload []byte) (Flow, error) {
	switch kind {
	case KindIdle:
		return Idle{}, nil
	case KindAwaitingEmail:
		return AwaitingEmail{}, nil
	case KindAwaitingRegisterCode:
		var v AwaitingRegisterCode
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", kind, err)
		}
		if v.AccountID == "" {
			return nil, fmt.Errorf("%s: account id missing", kind)
		}
		return v, nil
	case KindAwaitingLinkCode:
		var v AwaitingLinkCode
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", kind, err)
		}
		if v.ProvisionalAccountID == "" || v.TargetAccountID == "" {
			return nil, fmt.Errorf("%s: account ids missing", kind)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, kind)
	}
}

// PendingAction is a user intent deferred until the account is verified.
type PendingAction struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewPendingAction stamps an action with a fresh id.
func NewPendingAction(kind string, payload json.RawMessage, now time.Time) *PendingAction {
	return &PendingAction{ID: uuid.NewString(), Kind: kind, Payload: payload, CreatedAt: now}
}

// State is the per-chat-identity flow record.
type State struct {
	ChatIdentityID string
	Flow           Flow
	Pending        *PendingAction
	UpdatedAt      time.Time
}

// NewIdle returns the state a chat identity has when nothing is stored.
func NewIdle(chatIdentityID string) *State {
	return &State{ChatIdentityID: chatIdentityID, Flow: Idle{}}
}
