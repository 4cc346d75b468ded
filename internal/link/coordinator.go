package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/text/message"

	"github.com/ovaphlow/pitchfork/service-identity-link/internal/account"
	accountentity "github.com/ovaphlow/pitchfork/service-identity-link/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/conversation"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/verification"
	verifyentity "github.com/ovaphlow/pitchfork/service-identity-link/internal/verification/entity"
)

// Accounts is the account surface the coordinator drives.
type Accounts interface {
	GetOrCreate(ctx context.Context, chatIdentityID string, hints accountentity.ProfileHints) (*accountentity.Account, error)
	Get(ctx context.Context, id string) (*accountentity.Account, error)
	FindByEmail(ctx context.Context, email string) (*accountentity.Account, error)
	CompleteRegistration(ctx context.Context, tx *sqlx.Tx, accountID, email string) error
	CompleteLink(ctx context.Context, tx *sqlx.Tx, chatIdentityID, provisionalID, targetID string) error
	DiscardIdentity(ctx context.Context, identityID string)
}

// Challenges issues and checks verification codes. Its CompleteFunc
// transaction must run against the same database as Accounts.
type Challenges interface {
	Issue(ctx context.Context, accountID, sentTo string, mode verifyentity.Mode) (string, error)
	Verify(ctx context.Context, accountID, code string, complete verification.CompleteFunc) (*verification.Result, error)
	Resend(ctx context.Context, accountID string) (string, error)
}

// ActionFunc runs a deferred intent for a verified account and returns the
// reply text to send back.
type ActionFunc func(ctx context.Context, a *accountentity.Account, payload json.RawMessage) (string, error)

// Event is one inbound chat message.
type Event struct {
	ChatIdentityID string
	EventID        string
	Text           string
	DisplayName    string
}

// Result reports how an event was handled. Err carries the transient error
// behind a NoticeTryAgain reply.
type Result struct {
	Handled bool
	Notice  Notice
	Replies []string
	Flow    conversation.FlowKind
	Err     error
}

var (
	errChallengeMismatch = errors.New("challenge does not belong to this flow")
	errNotWaitingForCode = errors.New("conversation is not waiting for a code")
)

// Coordinator runs the chat-side verification flows: it resolves the chat
// identity, walks the conversation state machine and completes registration
// or account linking once a code matches.
type Coordinator struct {
	accounts   Accounts
	challenges Challenges
	store      conversation.Store
	printer    *message.Printer
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu      sync.RWMutex
	actions map[string]ActionFunc
}

func NewCoordinator(accounts Accounts, challenges Challenges, store conversation.Store, printer *message.Printer, logger *zap.SugaredLogger) *Coordinator {
	if printer == nil {
		printer = verification.NewPrinter("en")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Coordinator{
		accounts:   accounts,
		challenges: challenges,
		store:      store,
		printer:    printer,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		actions:    make(map[string]ActionFunc),
	}
}

// RegisterAction makes kind runnable as a pending action. Collaborators
// that gate features on a verified email register their kinds at wiring time
// and call RequireVerified when the feature is used.
func (c *Coordinator) RegisterAction(kind string, fn ActionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[kind] = fn
}

func (c *Coordinator) action(kind string) (ActionFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.actions[kind]
	return fn, ok
}

// Handle routes one inbound message. Commands are always handled. Other text
// is handled while the conversation waits for an email or a code, and an
// email address from an unverified caller starts verification from IDLE.
func (c *Coordinator) Handle(ctx context.Context, ev Event) *Result {
	ev.ChatIdentityID = strings.TrimSpace(ev.ChatIdentityID)
	text := strings.TrimSpace(ev.Text)
	hints := accountentity.ProfileHints{DisplayName: ev.DisplayName}

	switch command(text) {
	case "/start":
		return c.Start(ctx, ev.ChatIdentityID, hints)
	case "/resend":
		return c.Resend(ctx, ev.ChatIdentityID)
	case "/cancel":
		return c.Cancel(ctx, ev.ChatIdentityID)
	}

	st, err := c.store.Get(ctx, ev.ChatIdentityID)
	if err != nil {
		return c.failed(ev.ChatIdentityID, "", fmt.Errorf("load state: %w", err))
	}
	switch st.Flow.(type) {
	case conversation.AwaitingEmail:
		return c.submitEmail(ctx, st, hints, text)
	case conversation.AwaitingRegisterCode, conversation.AwaitingLinkCode:
		return c.submitCode(ctx, st, text)
	}

	// An unverified caller may send an address without /start, including
	// after an evicted flow.
	email, ok := normalizeEmail(text)
	if !ok {
		return &Result{Handled: false, Flow: st.Flow.Kind()}
	}
	own, err := c.accounts.GetOrCreate(ctx, ev.ChatIdentityID, hints)
	if err != nil {
		return c.failed(ev.ChatIdentityID, st.Flow.Kind(), fmt.Errorf("resolve account: %w", err))
	}
	if own.EmailVerified {
		return &Result{Handled: false, Flow: st.Flow.Kind()}
	}
	return c.startVerification(ctx, st, own, email)
}

// command returns the lower-cased command word of text, without any
// "@botname" suffix, or "" when text is not a command.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	word, _, _ := strings.Cut(text, " ")
	word, _, _ = strings.Cut(word, "@")
	return strings.ToLower(word)
}

// Start resolves the caller's account and prompts for whatever the current
// flow is waiting on. Repeating it changes nothing.
func (c *Coordinator) Start(ctx context.Context, chatIdentityID string, hints accountentity.ProfileHints) *Result {
	acct, err := c.accounts.GetOrCreate(ctx, chatIdentityID, hints)
	if err != nil {
		return c.failed(chatIdentityID, "", fmt.Errorf("resolve account: %w", err))
	}
	st, err := c.store.Get(ctx, chatIdentityID)
	if err != nil {
		return c.failed(chatIdentityID, "", fmt.Errorf("load state: %w", err))
	}

	switch st.Flow.(type) {
	case conversation.AwaitingEmail:
		return c.reply(st.Flow.Kind(), NoticeEmailPrompt)
	case conversation.AwaitingRegisterCode, conversation.AwaitingLinkCode:
		return c.reply(st.Flow.Kind(), NoticeCodePrompt)
	}
	if acct.EmailVerified {
		return c.reply(conversation.KindIdle, NoticeWelcomeVerified, deref(acct.EmailAddress))
	}
	st.Flow = conversation.AwaitingEmail{}
	if err := c.store.Set(ctx, st); err != nil {
		return c.failed(chatIdentityID, conversation.KindIdle, fmt.Errorf("save state: %w", err))
	}
	return c.reply(conversation.KindAwaitingEmail, NoticeEmailPrompt)
}

// HandleEmailSubmission takes an address typed by the user and starts the
// REGISTER or LINK verification it calls for.
func (c *Coordinator) HandleEmailSubmission(ctx context.Context, chatIdentityID, email string) *Result {
	st, err := c.store.Get(ctx, chatIdentityID)
	if err != nil {
		return c.failed(chatIdentityID, "", fmt.Errorf("load state: %w", err))
	}
	return c.submitEmail(ctx, st, accountentity.ProfileHints{}, email)
}

func (c *Coordinator) submitEmail(ctx context.Context, st *conversation.State, hints accountentity.ProfileHints, raw string) *Result {
	chatID := st.ChatIdentityID
	email, ok := normalizeEmail(raw)
	if !ok {
		return c.reply(st.Flow.Kind(), NoticeInvalidEmail)
	}
	own, err := c.accounts.GetOrCreate(ctx, chatID, hints)
	if err != nil {
		return c.failed(chatID, st.Flow.Kind(), fmt.Errorf("resolve account: %w", err))
	}
	return c.startVerification(ctx, st, own, email)
}

// startVerification applies the email decision table for own and issues
// the REGISTER or LINK challenge it calls for.
func (c *Coordinator) startVerification(ctx context.Context, st *conversation.State, own *accountentity.Account, email string) *Result {
	chatID := st.ChatIdentityID
	found, err := c.accounts.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		return c.failed(chatID, st.Flow.Kind(), fmt.Errorf("find account by email: %w", err))
	}

	var (
		next   conversation.Flow
		target string
		mode   verifyentity.Mode
		notice = NoticeCodeSent
	)
	switch {
	case found == nil || found.ID == own.ID:
		// a new address, or the caller's own pending or verified one
		next, target, mode = conversation.AwaitingRegisterCode{AccountID: own.ID}, own.ID, verifyentity.ModeRegister
	case !found.EmailVerified:
		return c.stayAwaitingEmail(ctx, st, NoticeEmailUnverified)
	case !found.Unbound():
		return c.stayAwaitingEmail(ctx, st, NoticeEmailConflict)
	case own.EmailVerified:
		return c.stayAwaitingEmail(ctx, st, NoticeAlreadyVerified)
	default:
		next = conversation.AwaitingLinkCode{ProvisionalAccountID: own.ID, TargetAccountID: found.ID}
		target, mode, notice = found.ID, verifyentity.ModeLink, NoticeLinkCodeSent
	}

	if _, err := c.challenges.Issue(ctx, target, email, mode); err != nil {
		return c.failed(chatID, st.Flow.Kind(), fmt.Errorf("issue challenge: %w", err))
	}
	st.Flow = next
	if err := c.store.Set(ctx, st); err != nil {
		return c.failed(chatID, st.Flow.Kind(), fmt.Errorf("save state: %w", err))
	}
	c.logger.Infow("verification started", "chat_identity_id", chatID, "account_id", target, "mode", mode)
	return c.reply(next.Kind(), notice, email)
}

func (c *Coordinator) stayAwaitingEmail(ctx context.Context, st *conversation.State, n Notice) *Result {
	if _, ok := st.Flow.(conversation.AwaitingEmail); !ok {
		st.Flow = conversation.AwaitingEmail{}
		if err := c.store.Set(ctx, st); err != nil {
			return c.failed(st.ChatIdentityID, "", fmt.Errorf("save state: %w", err))
		}
	}
	return c.reply(conversation.KindAwaitingEmail, n)
}

// normalizeEmail accepts a bare address and returns it lower-cased.
func normalizeEmail(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 254 {
		return "", false
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw || addr.Name != "" {
		return "", false
	}
	at := strings.LastIndexByte(raw, '@')
	if at <= 0 || !strings.Contains(raw[at+1:], ".") {
		return "", false
	}
	return strings.ToLower(raw), true
}

// HandleCodeSubmission checks a code against the challenge the current flow
// waits on and, on a match, completes the flow atomically.
func (c *Coordinator) HandleCodeSubmission(ctx context.Context, chatIdentityID, code string) *Result {
	st, err := c.store.Get(ctx, chatIdentityID)
	if err != nil {
		return c.failed(chatIdentityID, "", fmt.Errorf("load state: %w", err))
	}
	return c.submitCode(ctx, st, code)
}

func (c *Coordinator) submitCode(ctx context.Context, st *conversation.State, raw string) *Result {
	chatID := st.ChatIdentityID
	kind := st.Flow.Kind()
	code := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if !isCode(code) {
		return c.reply(kind, NoticeInvalidCode)
	}

	var (
		complete verification.CompleteFunc
		resolved string
		done     Notice
	)
	switch f := st.Flow.(type) {
	case conversation.AwaitingRegisterCode:
		resolved, done = f.AccountID, NoticeRegistered
		complete = func(ctx context.Context, tx *sqlx.Tx, ch *verifyentity.Challenge) error {
			if ch.Mode != verifyentity.ModeRegister {
				return errChallengeMismatch
			}
			return c.accounts.CompleteRegistration(ctx, tx, f.AccountID, ch.SentTo)
		}
	case conversation.AwaitingLinkCode:
		resolved, done = f.TargetAccountID, NoticeLinked
		complete = func(ctx context.Context, tx *sqlx.Tx, ch *verifyentity.Challenge) error {
			if ch.Mode != verifyentity.ModeLink {
				return errChallengeMismatch
			}
			return c.accounts.CompleteLink(ctx, tx, chatID, f.ProvisionalAccountID, f.TargetAccountID)
		}
	default:
		return c.failed(chatID, kind, errNotWaitingForCode)
	}

	res, err := c.challenges.Verify(ctx, resolved, code, complete)
	switch {
	case err == nil:
	case errors.Is(err, errChallengeMismatch):
		return c.reply(kind, NoticeNoChallenge)
	case errors.Is(err, account.ErrEmailTaken), errors.Is(err, account.ErrTargetUnavailable):
		return c.stayAwaitingEmail(ctx, st, NoticeEmailConflict)
	case errors.Is(err, account.ErrProvisionalNotDisposable):
		return c.stayAwaitingEmail(ctx, st, NoticeAlreadyVerified)
	default:
		return c.failed(chatID, kind, fmt.Errorf("verify code: %w", err))
	}

	switch res.Outcome {
	case verifyentity.OutcomeMismatch:
		return c.reply(kind, NoticeCodeMismatch, res.AttemptsLeft)
	case verifyentity.OutcomeExpired:
		return c.reply(kind, NoticeCodeExpired)
	case verifyentity.OutcomeLocked:
		return c.reply(kind, NoticeCodeLocked)
	case verifyentity.OutcomeNotFound:
		return c.reply(kind, NoticeNoChallenge)
	}

	if f, ok := st.Flow.(conversation.AwaitingLinkCode); ok {
		c.accounts.DiscardIdentity(ctx, f.ProvisionalAccountID)
	}
	c.logger.Infow("verification completed", "chat_identity_id", chatID, "account_id", resolved, "flow", kind)
	return c.finish(ctx, st, resolved, done, res.Challenge.SentTo)
}

// finish returns the conversation to IDLE and then runs the pending action.
// The action is cleared from the store before it runs so it fires once.
func (c *Coordinator) finish(ctx context.Context, st *conversation.State, accountID string, done Notice, email string) *Result {
	pending := st.Pending
	st.Flow = conversation.Idle{}
	st.Pending = nil
	if err := c.store.Clear(ctx, st.ChatIdentityID); err != nil {
		c.logger.Errorw("clear state after verification failed", "chat_identity_id", st.ChatIdentityID, "err", err)
		return c.reply(conversation.KindIdle, done, email)
	}
	res := c.reply(conversation.KindIdle, done, email)
	if pending == nil {
		return res
	}
	acct, err := c.accounts.Get(ctx, accountID)
	if err != nil {
		c.logger.Errorw("load account for pending action failed", "account_id", accountID, "action", pending.Kind, "err", err)
		res.Replies = append(res.Replies, c.printer.Sprintf(string(NoticeActionFailed)))
		return res
	}
	return c.runAction(ctx, res, acct, pending)
}

func (c *Coordinator) runAction(ctx context.Context, res *Result, acct *accountentity.Account, pa *conversation.PendingAction) *Result {
	fn, ok := c.action(pa.Kind)
	if !ok {
		c.logger.Warnw("dropping pending action of unknown kind", "action", pa.Kind, "action_id", pa.ID)
		return res
	}
	text, err := fn(ctx, acct, pa.Payload)
	if err != nil {
		c.logger.Errorw("pending action failed", "action", pa.Kind, "action_id", pa.ID, "account_id", acct.ID, "err", err)
		res.Replies = append(res.Replies, c.printer.Sprintf(string(NoticeActionFailed)))
		return res
	}
	if text != "" {
		res.Replies = append(res.Replies, text)
	}
	return res
}

// Resend issues a fresh code for the challenge the current flow waits on.
func (c *Coordinator) Resend(ctx context.Context, chatIdentityID string) *Result {
	st, err := c.store.Get(ctx, chatIdentityID)
	if err != nil {
		return c.failed(chatIdentityID, "", fmt.Errorf("load state: %w", err))
	}
	kind := st.Flow.Kind()
	accountID := conversation.ChallengeAccountID(st.Flow)
	if accountID == "" {
		return c.reply(kind, NoticeNothingToResend)
	}
	if _, err := c.challenges.Resend(ctx, accountID); err != nil {
		switch {
		case errors.Is(err, verification.ErrResendTooSoon):
			return c.reply(kind, NoticeResendTooSoon)
		case errors.Is(err, verification.ErrNoChallenge):
			return c.reply(kind, NoticeNothingToResend)
		default:
			return c.failed(chatIdentityID, kind, fmt.Errorf("resend code: %w", err))
		}
	}
	return c.reply(kind, NoticeCodeResent)
}

// Cancel drops the current flow and any pending action.
func (c *Coordinator) Cancel(ctx context.Context, chatIdentityID string) *Result {
	if err := c.store.Clear(ctx, chatIdentityID); err != nil {
		return c.failed(chatIdentityID, "", fmt.Errorf("clear state: %w", err))
	}
	return c.reply(conversation.KindIdle, NoticeCancelled)
}

// RequireVerified runs kind right away for a verified caller. Otherwise it
// parks the action on the conversation and asks for an email; the action
// runs once verification completes.
func (c *Coordinator) RequireVerified(ctx context.Context, chatIdentityID, kind string, payload json.RawMessage) *Result {
	if _, ok := c.action(kind); !ok {
		return c.failed(chatIdentityID, "", fmt.Errorf("unknown action kind %q", kind))
	}
	acct, err := c.accounts.GetOrCreate(ctx, chatIdentityID, accountentity.ProfileHints{})
	if err != nil {
		return c.failed(chatIdentityID, "", fmt.Errorf("resolve account: %w", err))
	}
	if acct.EmailVerified {
		res := &Result{Handled: true, Flow: conversation.KindIdle}
		return c.runAction(ctx, res, acct, conversation.NewPendingAction(kind, payload, c.now()))
	}

	st, err := c.store.Get(ctx, chatIdentityID)
	if err != nil {
		return c.failed(chatIdentityID, "", fmt.Errorf("load state: %w", err))
	}
	st.Pending = conversation.NewPendingAction(kind, payload, c.now())
	notice := NoticeCodePrompt
	if conversation.ChallengeAccountID(st.Flow) == "" {
		st.Flow = conversation.AwaitingEmail{}
		notice = NoticeVerificationRequired
	}
	if err := c.store.Set(ctx, st); err != nil {
		return c.failed(chatIdentityID, "", fmt.Errorf("save state: %w", err))
	}
	return c.reply(st.Flow.Kind(), notice)
}

func (c *Coordinator) reply(flow conversation.FlowKind, n Notice, args ...any) *Result {
	return &Result{
		Handled: true,
		Notice:  n,
		Replies: []string{c.printer.Sprintf(string(n), args...)},
		Flow:    flow,
	}
}

func (c *Coordinator) failed(chatIdentityID string, flow conversation.FlowKind, err error) *Result {
	c.logger.Errorw("chat event failed", "chat_identity_id", chatIdentityID, "err", err)
	res := c.reply(flow, NoticeTryAgain)
	res.Err = err
	return res
}

func isCode(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
