package link

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-identity-link/internal/account"
	accountentity "github.com/ovaphlow/pitchfork/service-identity-link/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/conversation"
	staterepo "github.com/ovaphlow/pitchfork/service-identity-link/internal/conversation/repo"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/verification"
	"github.com/ovaphlow/pitchfork/service-identity-link/pkg/database"
)

type recordingChannel struct {
	mu   sync.Mutex
	sent []verification.Message
	err  error
}

func (c *recordingChannel) Send(_ context.Context, m verification.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *recordingChannel) last(t *testing.T) verification.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent, "no code was delivered")
	return c.sent[len(c.sent)-1]
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	db       *sqlx.DB
	accounts *account.Resolver
	store    conversation.Store
	channel  *recordingChannel
	clock    *fakeClock
	coord    *Coordinator
}

func newFixture(t *testing.T, backend string) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db))

	var store conversation.Store
	switch backend {
	case "memory":
		store = conversation.NewMemoryStore(time.Hour)
	default:
		store = staterepo.NewStateRepo(db, time.Hour)
	}

	ch := &recordingChannel{}
	clock := &fakeClock{t: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)}
	challenges := verification.NewService(db, ch, verification.Config{
		BcryptCost:     bcrypt.MinCost,
		ResendCooldown: time.Minute,
	}, nil)
	challenges.SetClock(clock.Now)
	accounts := account.NewResolver(db, nil, nil, nil, "")

	return &fixture{
		db:       db,
		accounts: accounts,
		store:    store,
		channel:  ch,
		clock:    clock,
		coord:    NewCoordinator(accounts, challenges, store, nil, nil),
	}
}

func (f *fixture) seed(t *testing.T, id, email string, verified bool, chat string) {
	t.Helper()
	now := time.Now().UTC()
	var chatID, addr *string
	if chat != "" {
		chatID = &chat
	}
	if email != "" {
		addr = &email
	}
	_, err := f.db.Exec(`INSERT INTO auth_identities (id, placeholder_email, created_at) VALUES (?, ?, ?)`, id, id+"@seed.invalid", now)
	require.NoError(t, err)
	_, err = f.db.Exec(`INSERT INTO accounts (id, chat_identity_id, email_address, email_verified, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?)`, id, chatID, addr, verified, now, now)
	require.NoError(t, err)
}

func (f *fixture) send(t *testing.T, chat, text string) *Result {
	t.Helper()
	res := f.coord.Handle(context.Background(), Event{ChatIdentityID: chat, Text: text})
	require.NotNil(t, res)
	require.NoError(t, res.Err)
	return res
}

func wrongCode(code string) string {
	if code == "000000" {
		return "000001"
	}
	return "000000"
}

func TestCoordinator_RegisterNewEmail(t *testing.T) {
	f := newFixture(t, "sql")

	res := f.send(t, "C1", "/start")
	assert.Equal(t, NoticeEmailPrompt, res.Notice)

	res = f.send(t, "C1", "new@example.com")
	assert.Equal(t, NoticeCodeSent, res.Notice)
	assert.Equal(t, conversation.KindAwaitingRegisterCode, res.Flow)
	assert.Contains(t, res.Replies[0], "new@example.com")

	res = f.send(t, "C1", f.channel.last(t).Code)
	assert.Equal(t, NoticeRegistered, res.Notice)
	assert.Equal(t, conversation.KindIdle, res.Flow)

	a, err := f.accounts.GetOrCreate(context.Background(), "C1", accountentity.ProfileHints{})
	require.NoError(t, err)
	assert.True(t, a.EmailVerified)
	require.NotNil(t, a.EmailAddress)
	assert.Equal(t, "new@example.com", *a.EmailAddress)
}

func TestCoordinator_LinkMergesProvisionalAccount(t *testing.T) {
	f := newFixture(t, "memory")
	ctx := context.Background()
	f.seed(t, "A3", "existing@example.com", true, "")

	f.send(t, "C2", "/start")
	prov, err := f.accounts.GetOrCreate(ctx, "C2", accountentity.ProfileHints{})
	require.NoError(t, err)

	res := f.send(t, "C2", "existing@example.com")
	assert.Equal(t, NoticeLinkCodeSent, res.Notice)
	assert.Equal(t, conversation.KindAwaitingLinkCode, res.Flow)

	st, err := f.store.Get(ctx, "C2")
	require.NoError(t, err)
	assert.Equal(t, conversation.AwaitingLinkCode{ProvisionalAccountID: prov.ID, TargetAccountID: "A3"}, st.Flow)

	res = f.send(t, "C2", f.channel.last(t).Code)
	assert.Equal(t, NoticeLinked, res.Notice)

	bound, err := f.accounts.GetOrCreate(ctx, "C2", accountentity.ProfileHints{})
	require.NoError(t, err)
	assert.Equal(t, "A3", bound.ID)

	_, err = f.accounts.Get(ctx, prov.ID)
	assert.ErrorIs(t, err, account.ErrNotFound)

	var identities int
	require.NoError(t, f.db.Get(&identities, `SELECT COUNT(*) FROM auth_identities WHERE id = ?`, prov.ID))
	assert.Zero(t, identities)
}

func TestCoordinator_ConflictIssuesNoChallenge(t *testing.T) {
	f := newFixture(t, "sql")
	f.seed(t, "A4", "taken@example.com", true, "C9")

	f.send(t, "C3", "/start")
	res := f.send(t, "C3", "taken@example.com")

	assert.Equal(t, NoticeEmailConflict, res.Notice)
	assert.Equal(t, conversation.KindAwaitingEmail, res.Flow)
	assert.Zero(t, f.channel.count())
}

func TestCoordinator_VerifiedCallerCannotLinkElsewhere(t *testing.T) {
	f := newFixture(t, "memory")
	f.seed(t, "A3", "existing@example.com", true, "")
	f.seed(t, "A7", "mine@example.com", true, "C7")

	require.NoError(t, f.store.Set(context.Background(), &conversation.State{ChatIdentityID: "C7", Flow: conversation.AwaitingEmail{}}))
	res := f.send(t, "C7", "existing@example.com")

	assert.Equal(t, NoticeAlreadyVerified, res.Notice)
	assert.Zero(t, f.channel.count())
}

func TestCoordinator_DeliveryFailureKeepsState(t *testing.T) {
	f := newFixture(t, "sql")
	f.send(t, "C1", "/start")

	f.channel.err = errors.New("smtp down")
	res := f.coord.Handle(context.Background(), Event{ChatIdentityID: "C1", Text: "a@example.com"})

	require.Error(t, res.Err)
	assert.Equal(t, NoticeTryAgain, res.Notice)
	st, err := f.store.Get(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, conversation.AwaitingEmail{}, st.Flow)

	f.channel.err = nil
	res = f.send(t, "C1", "a@example.com")
	assert.Equal(t, NoticeCodeSent, res.Notice)
}

func TestCoordinator_FailedResendKeepsCurrentCode(t *testing.T) {
	f := newFixture(t, "sql")
	ctx := context.Background()
	f.send(t, "C1", "/start")
	f.send(t, "C1", "new@example.com")
	code := f.channel.last(t).Code

	f.clock.Advance(2 * time.Minute)
	f.channel.err = errors.New("smtp down")
	res := f.coord.Handle(ctx, Event{ChatIdentityID: "C1", Text: "/resend"})
	require.Error(t, res.Err)
	assert.Equal(t, NoticeTryAgain, res.Notice)

	f.channel.err = nil
	res = f.send(t, "C1", code)
	assert.Equal(t, NoticeRegistered, res.Notice)
	assert.Equal(t, conversation.KindIdle, res.Flow)
}

func TestCoordinator_ExpiredCodeThenResend(t *testing.T) {
	f := newFixture(t, "memory")
	f.send(t, "C1", "/start")
	f.send(t, "C1", "a@example.com")
	stale := f.channel.last(t).Code

	f.clock.Advance(16 * time.Minute)
	res := f.send(t, "C1", stale)
	assert.Equal(t, NoticeCodeExpired, res.Notice)
	assert.Equal(t, conversation.KindAwaitingRegisterCode, res.Flow)

	res = f.send(t, "C1", "/resend")
	assert.Equal(t, NoticeCodeResent, res.Notice)
	fresh := f.channel.last(t).Code

	if fresh != stale {
		res = f.send(t, "C1", stale)
		assert.Equal(t, NoticeCodeMismatch, res.Notice)
	}
	res = f.send(t, "C1", fresh)
	assert.Equal(t, NoticeRegistered, res.Notice)
}

func TestCoordinator_LockedAfterTooManyAttempts(t *testing.T) {
	f := newFixture(t, "sql")
	f.send(t, "C1", "/start")
	f.send(t, "C1", "a@example.com")
	code := f.channel.last(t).Code

	for i := 0; i < 5; i++ {
		res := f.send(t, "C1", wrongCode(code))
		assert.Equal(t, NoticeCodeMismatch, res.Notice)
	}
	res := f.send(t, "C1", code)
	assert.Equal(t, NoticeCodeLocked, res.Notice)
}

func TestCoordinator_PendingActionRunsOnceAfterVerification(t *testing.T) {
	f := newFixture(t, "sql")
	ctx := context.Background()

	var (
		mu    sync.Mutex
		calls []string
	)
	f.coord.RegisterAction("book", func(_ context.Context, a *accountentity.Account, payload json.RawMessage) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, a.ID+":"+string(payload))
		return "booked", nil
	})

	res := f.coord.RequireVerified(ctx, "C1", "book", json.RawMessage(`{"slot":7}`))
	require.NoError(t, res.Err)
	assert.Equal(t, NoticeVerificationRequired, res.Notice)
	assert.Equal(t, conversation.KindAwaitingEmail, res.Flow)

	f.send(t, "C1", "a@example.com")
	res = f.send(t, "C1", f.channel.last(t).Code)
	assert.Equal(t, NoticeRegistered, res.Notice)
	require.Len(t, res.Replies, 2)
	assert.Equal(t, "booked", res.Replies[1])

	a, err := f.accounts.GetOrCreate(ctx, "C1", accountentity.ProfileHints{})
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{a.ID + `:{"slot":7}`}, calls)
	mu.Unlock()

	st, err := f.store.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Nil(t, st.Pending)

	// already verified: the action runs straight away
	res = f.coord.RequireVerified(ctx, "C1", "book", json.RawMessage(`{"slot":8}`))
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"booked"}, res.Replies)
	mu.Lock()
	assert.Len(t, calls, 2)
	mu.Unlock()
}

func TestCoordinator_PendingActionSurvivesLink(t *testing.T) {
	f := newFixture(t, "memory")
	ctx := context.Background()
	f.seed(t, "A3", "existing@example.com", true, "")

	var ranFor string
	f.coord.RegisterAction("book", func(_ context.Context, a *accountentity.Account, _ json.RawMessage) (string, error) {
		ranFor = a.ID
		return "", nil
	})

	f.coord.RequireVerified(ctx, "C2", "book", nil)
	f.send(t, "C2", "existing@example.com")
	res := f.send(t, "C2", f.channel.last(t).Code)

	assert.Equal(t, NoticeLinked, res.Notice)
	assert.Equal(t, "A3", ranFor)
}

func TestCoordinator_FailingActionStillCompletes(t *testing.T) {
	f := newFixture(t, "sql")
	ctx := context.Background()
	f.coord.RegisterAction("book", func(context.Context, *accountentity.Account, json.RawMessage) (string, error) {
		return "", errors.New("inventory down")
	})

	f.coord.RequireVerified(ctx, "C1", "book", nil)
	f.send(t, "C1", "a@example.com")
	res := f.send(t, "C1", f.channel.last(t).Code)

	assert.Equal(t, NoticeRegistered, res.Notice)
	require.Len(t, res.Replies, 2)
	st, err := f.store.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Nil(t, st.Pending)
}

func TestCoordinator_RequireVerified_UnknownKind(t *testing.T) {
	f := newFixture(t, "memory")
	res := f.coord.RequireVerified(context.Background(), "C1", "nope", nil)
	assert.Error(t, res.Err)
	assert.Equal(t, NoticeTryAgain, res.Notice)
}

func TestCoordinator_CancelDropsPendingAction(t *testing.T) {
	f := newFixture(t, "sql")
	ctx := context.Background()
	f.coord.RegisterAction("book", func(context.Context, *accountentity.Account, json.RawMessage) (string, error) {
		t.Fatal("cancelled action must not run")
		return "", nil
	})

	f.coord.RequireVerified(ctx, "C1", "book", nil)
	f.send(t, "C1", "a@example.com")

	res := f.send(t, "C1", "/cancel")
	assert.Equal(t, NoticeCancelled, res.Notice)

	// the account and challenge survive; starting over works
	f.send(t, "C1", "/start")
	f.send(t, "C1", "a@example.com")
	res = f.send(t, "C1", f.channel.last(t).Code)
	assert.Equal(t, NoticeRegistered, res.Notice)
}

func TestCoordinator_ConcurrentCodeSubmissionCompletesOnce(t *testing.T) {
	f := newFixture(t, "memory")
	var runs int
	var mu sync.Mutex
	f.coord.RegisterAction("book", func(context.Context, *accountentity.Account, json.RawMessage) (string, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return "", nil
	})

	f.coord.RequireVerified(context.Background(), "C1", "book", nil)
	f.send(t, "C1", "a@example.com")
	code := f.channel.last(t).Code

	const workers = 4
	notices := make([]Notice, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			notices[i] = f.coord.Handle(context.Background(), Event{ChatIdentityID: "C1", Text: code}).Notice
		}(i)
	}
	wg.Wait()

	registered := 0
	for _, n := range notices {
		if n == NoticeRegistered {
			registered++
		}
	}
	assert.Equal(t, 1, registered)
	assert.LessOrEqual(t, runs, 1)
}

func TestCommand(t *testing.T) {
	assert.Equal(t, "/start", command("/start"))
	assert.Equal(t, "/start", command("/Start@IdentityBot deep-link"))
	assert.Equal(t, "", command("hello /start"))
}

func TestNormalizeEmail(t *testing.T) {
	for in, want := range map[string]string{
		"a@example.com":      "a@example.com",
		"  A.B@Example.COM ": "a.b@example.com",
	} {
		got, ok := normalizeEmail(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"", "plain", "a@localhost", "Ada <a@example.com>", "a@@example.com"} {
		_, ok := normalizeEmail(in)
		assert.False(t, ok, in)
	}
}

func TestCoordinator_EmailWithoutStart(t *testing.T) {
	for _, backend := range []string{"memory", "sql"} {
		t.Run(backend, func(t *testing.T) {
			f := newFixture(t, backend)
			f.seed(t, "A4", "taken@example.com", true, "C9")

			res := f.send(t, "C3", "taken@example.com")
			assert.True(t, res.Handled)
			assert.Equal(t, NoticeEmailConflict, res.Notice)
			assert.Equal(t, conversation.KindAwaitingEmail, res.Flow)

			res = f.send(t, "C3", "fresh@example.com")
			assert.Equal(t, NoticeCodeSent, res.Notice)
			assert.Equal(t, conversation.KindAwaitingRegisterCode, res.Flow)
		})
	}
}

func TestCoordinator_EmailAfterEvictedFlow(t *testing.T) {
	f := newFixture(t, "memory")
	ctx := context.Background()
	f.send(t, "C1", "/start")
	require.NoError(t, f.store.Clear(ctx, "C1"))

	res := f.send(t, "C1", "a@example.com")
	assert.Equal(t, NoticeCodeSent, res.Notice)

	res = f.send(t, "C1", f.channel.last(t).Code)
	assert.Equal(t, NoticeRegistered, res.Notice)
}

func TestCoordinator_VerifiedCallerEmailInIdleIsNotHandled(t *testing.T) {
	f := newFixture(t, "memory")
	f.seed(t, "A7", "mine@example.com", true, "C7")

	res := f.send(t, "C7", "friend@example.com")
	assert.False(t, res.Handled)
	assert.Zero(t, f.channel.count())
}

func TestCoordinator_HandleEmailSubmission(t *testing.T) {
	f := newFixture(t, "sql")
	ctx := context.Background()
	f.seed(t, "A3", "existing@example.com", true, "")

	res := f.coord.HandleEmailSubmission(ctx, "C2", "not an email")
	require.NoError(t, res.Err)
	assert.Equal(t, NoticeInvalidEmail, res.Notice)
	assert.Zero(t, f.channel.count())

	res = f.coord.HandleEmailSubmission(ctx, "C2", "Existing@Example.com")
	require.NoError(t, res.Err)
	assert.Equal(t, NoticeLinkCodeSent, res.Notice)
	assert.Equal(t, conversation.KindAwaitingLinkCode, res.Flow)
	assert.Equal(t, "existing@example.com", f.channel.last(t).ToAddress)
}

func TestCoordinator_HandleCodeSubmission(t *testing.T) {
	f := newFixture(t, "sql")
	ctx := context.Background()

	res := f.coord.HandleCodeSubmission(ctx, "C1", "123456")
	assert.Error(t, res.Err, "idle conversation has no code to check")

	f.coord.HandleEmailSubmission(ctx, "C1", "a@example.com")
	code := f.channel.last(t).Code

	res = f.coord.HandleCodeSubmission(ctx, "C1", "12345")
	require.NoError(t, res.Err)
	assert.Equal(t, NoticeInvalidCode, res.Notice)

	res = f.coord.HandleCodeSubmission(ctx, "C1", wrongCode(code))
	require.NoError(t, res.Err)
	assert.Equal(t, NoticeCodeMismatch, res.Notice)

	res = f.coord.HandleCodeSubmission(ctx, "C1", code[:3]+" "+code[3:])
	require.NoError(t, res.Err)
	assert.Equal(t, NoticeRegistered, res.Notice)
}
