package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-link/internal/conversation"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/link"
)

// Engine handles one chat event.
type Engine interface {
	Handle(ctx context.Context, ev link.Event) *link.Result
}

// Ledger remembers processed event ids.
type Ledger interface {
	MarkProcessed(ctx context.Context, chatIdentityID, eventID string, now time.Time) (bool, error)
	Forget(ctx context.Context, chatIdentityID, eventID string) error
}

type inboundEvent struct {
	ChatIdentityID string    `json:"chat_identity_id"`
	Text           string    `json:"text"`
	ReceivedAt     time.Time `json:"received_at"`
	EventID        string    `json:"event_id,omitempty"`
	DisplayName    string    `json:"display_name,omitempty"`
}

type eventResponse struct {
	Handled   bool                  `json:"handled"`
	Duplicate bool                  `json:"duplicate,omitempty"`
	Flow      conversation.FlowKind `json:"flow,omitempty"`
	Replies   []string              `json:"replies"`
}

type Handler struct {
	engine  Engine
	ledger  Ledger
	gateway Gateway
	logger  *zap.SugaredLogger
}

// NewHandler wires the webhook. ledger may be nil to disable
// de-duplication.
func NewHandler(engine Engine, ledger Ledger, gateway Gateway, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if gateway == nil {
		gateway = NewLogGateway(logger)
	}
	return &Handler{engine: engine, ledger: ledger, gateway: gateway, logger: logger}
}

// Events accepts one inbound chat event and answers with the replies the
// engine produced. Replies are also pushed through the gateway.
//
// An event id is recorded before the engine runs and forgotten again when
// handling fails, so a redelivered failure is reprocessed. A crash between
// the two drops that event; the user sends it again.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in inboundEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&in); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	in.ChatIdentityID = strings.TrimSpace(in.ChatIdentityID)
	if in.ChatIdentityID == "" {
		http.Error(w, "chat_identity_id is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	if in.EventID != "" && h.ledger != nil {
		first, err := h.ledger.MarkProcessed(ctx, in.ChatIdentityID, in.EventID, time.Now().UTC())
		if err != nil {
			h.logger.Errorw("record event failed", "chat_identity_id", in.ChatIdentityID, "event_id", in.EventID, "err", err)
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		if !first {
			h.logger.Debugw("duplicate event skipped", "chat_identity_id", in.ChatIdentityID, "event_id", in.EventID)
			writeJSON(w, eventResponse{Handled: true, Duplicate: true, Replies: []string{}})
			return
		}
	}

	res := h.engine.Handle(ctx, link.Event{
		ChatIdentityID: in.ChatIdentityID,
		EventID:        in.EventID,
		Text:           in.Text,
		DisplayName:    in.DisplayName,
	})
	if res.Err != nil && in.EventID != "" && h.ledger != nil {
		// let the platform redeliver an event that failed transiently
		if err := h.ledger.Forget(ctx, in.ChatIdentityID, in.EventID); err != nil {
			h.logger.Warnw("forget failed event", "event_id", in.EventID, "err", err)
		}
	}
	replies := res.Replies
	if replies == nil {
		replies = []string{}
	}
	if len(replies) > 0 {
		if err := h.gateway.Send(ctx, in.ChatIdentityID, replies); err != nil {
			h.logger.Warnw("deliver replies failed", "chat_identity_id", in.ChatIdentityID, "err", err)
		}
	}
	writeJSON(w, eventResponse{Handled: res.Handled, Flow: res.Flow, Replies: replies})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
