package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/signing-ceremony-backend/audit"
	"github.com/ruteri/signing-ceremony-backend/cryptoutils"
	"github.com/ruteri/signing-ceremony-backend/identity"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/kms"
	"github.com/ruteri/signing-ceremony-backend/repository"
	"github.com/ruteri/signing-ceremony-backend/routing"
	"github.com/ruteri/signing-ceremony-backend/sealer"
	"github.com/ruteri/signing-ceremony-backend/storage"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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

// capturingNotifier records the last token delivered to every email.
type capturingNotifier struct {
	mu        sync.Mutex
	tokens    map[string]string
	reminders []string
}

func (n *capturingNotifier) NotifySigner(ctx context.Context, env *interfaces.Envelope, signer *interfaces.Signer, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens[signer.Email] = token
	return nil
}

func (n *capturingNotifier) SendReminder(ctx context.Context, env *interfaces.Envelope, signer *interfaces.Signer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminders = append(n.reminders, signer.Email)
	return nil
}

func (n *capturingNotifier) notified(email string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.tokens[email]
	return ok
}

type capturedCodes struct {
	mu    sync.Mutex
	email string
	sms   string
}

func (c *capturedCodes) SendEmailCode(ctx context.Context, email, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.email = code
	return nil
}

func (c *capturedCodes) SendSMSCode(ctx context.Context, phone, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sms = code
	return nil
}

func (c *capturedCodes) get() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.email, c.sms
}

type capturingDispatcher struct {
	mu     sync.Mutex
	events []interfaces.WorkflowEventName
}

func (d *capturingDispatcher) Dispatch(ctx context.Context, event interfaces.WorkflowEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event.Name)
}

type mockSealer struct {
	mock.Mock
}

func (m *mockSealer) Seal(ctx context.Context, env *interfaces.Envelope) (*sealer.SealResult, error) {
	args := m.Called(ctx, env)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sealer.SealResult), args.Error(1)
}

func (m *mockSealer) GenerateCertificate(ctx context.Context, in sealer.CertificateInput) (string, error) {
	args := m.Called(ctx, in)
	return args.String(0), args.Error(1)
}

type fixture struct {
	o          *Orchestrator
	repo       *repository.MemoryEnvelopeRepository
	store      *audit.MemoryStore
	ledger     *audit.Ledger
	notes      *capturingNotifier
	codes      *capturedCodes
	dispatcher *capturingDispatcher
	clock      *fakeClock
}

// Cheap argon2 parameters keep the tests fast.
var cheapParams = cryptoutils.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}

func newFixture(t *testing.T, cfg Config, opts ...func(*Dependencies)) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
	log := silentLogger()

	keys, err := kms.NewSimpleKMS(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	docs := storage.NewDocumentStore(storage.NewMemoryBackend("orchestrator-test"), keys, log)

	store := audit.NewMemoryStore()
	ledger := audit.NewLedger(store, log, audit.WithLedgerClock(clock.Now))
	verifications := repository.NewMemoryVerificationRepository()
	codes := &capturedCodes{}
	tsp := kms.NewSandboxTSP(keys, kms.WithAutoApprove(true), kms.WithSandboxClock(clock.Now))
	ident := identity.NewService(identity.Config{HashParams: cheapParams}, codes, verifications, ledger, log,
		identity.WithClock(clock.Now),
		identity.WithTrustServiceProvider(tsp))

	f := &fixture{
		repo:       repository.NewMemoryEnvelopeRepository(),
		store:      store,
		ledger:     ledger,
		notes:      &capturingNotifier{tokens: map[string]string{}},
		codes:      codes,
		dispatcher: &capturingDispatcher{},
		clock:      clock,
	}
	deps := Dependencies{
		Repo:          f.repo,
		Docs:          docs,
		Ledger:        ledger,
		Resolver:      routing.NewResolver(routing.WithClock(clock.Now)),
		Identity:      ident,
		Verifications: verifications,
		Sealer:        sealer.New(docs, log, sealer.WithClock(clock.Now)),
		Notifier:      f.notes,
		Integrations:  f.dispatcher,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.o = New(cfg, deps, log, WithClock(clock.Now))
	return f
}

func (f *fixture) token(t *testing.T, email string) string {
	t.Helper()
	f.notes.mu.Lock()
	defer f.notes.mu.Unlock()
	token, ok := f.notes.tokens[email]
	require.True(t, ok, "no token delivered to %s", email)
	return token
}

func (f *fixture) eventTypes(t *testing.T, envelopeID string) []interfaces.AuditEventType {
	t.Helper()
	events, err := f.ledger.ListForEnvelope(context.Background(), envelopeID)
	require.NoError(t, err)
	types := make([]interfaces.AuditEventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func (f *fixture) countEvents(t *testing.T, envelopeID string, eventType interfaces.AuditEventType) int {
	n := 0
	for _, et := range f.eventTypes(t, envelopeID) {
		if et == eventType {
			n++
		}
	}
	return n
}

var agreement = []byte("Master services agreement between Acme Corp and the undersigned parties.")

func signerInput(ref, name string, order int) SignerInput {
	return SignerInput{ID: ref, Name: name, Email: strings.ToLower(name) + "@example.com", Order: order}
}

func emailOf(name string) string {
	return strings.ToLower(name) + "@example.com"
}

func placeField(id, signerRef string, typ interfaces.FieldType) *interfaces.Field {
	return &interfaces.Field{ID: id, DocumentID: "doc", SignerID: signerRef, Type: typ, Page: 1, X: 10, Y: 10, Width: 30, Height: 5}
}

func envelopeInput(signers []SignerInput, fields ...*interfaces.Field) CreateEnvelopeInput {
	return CreateEnvelopeInput{
		TenantID:  "tenant-1",
		Subject:   "Master services agreement",
		Documents: []DocumentInput{{ID: "doc", Name: "msa.txt", Content: agreement}},
		Signers:   signers,
		Fields:    fields,
	}
}

func (f *fixture) createAndSend(t *testing.T, in CreateEnvelopeInput) *interfaces.Envelope {
	t.Helper()
	ctx := context.Background()
	env, err := f.o.CreateEnvelope(ctx, in)
	require.NoError(t, err)
	env, err = f.o.SendEnvelope(ctx, env.ID)
	require.NoError(t, err)
	return env
}

func (f *fixture) sign(t *testing.T, email string, values map[string]string) *SignerActionResult {
	t.Helper()
	res, err := f.o.SubmitSignerAction(context.Background(), SignerActionInput{
		SignerRef:    SignerRef{Token: f.token(t, email)},
		Actor:        Actor{IPAddress: "203.0.113.7", UserAgent: "test-agent"},
		Action:       ActionSign,
		Values:       values,
		ConsentGiven: true,
	})
	require.NoError(t, err)
	return res
}

func TestSequentialFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	env, err := f.o.CreateEnvelope(ctx, envelopeInput(
		[]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bob", 2)},
		placeField("sig_a", "a", interfaces.FieldSignature),
		placeField("sig_b", "b", interfaces.FieldSignature),
	))
	require.NoError(t, err)
	assert.Equal(t, interfaces.EnvelopeDraft, env.Status)
	assert.Equal(t, "text/plain; charset=utf-8", env.Documents[0].ContentType)
	assert.Equal(t, sealer.HashContent(agreement), env.Documents[0].ContentHash)
	require.Len(t, env.Signers, 2)
	assert.Equal(t, emailOf("Ada"), env.Signers[0].Email)
	assert.Equal(t, env.Signers[0].ID, env.Field("sig_a").SignerID)
	assert.Equal(t, env.Documents[0].ID, env.Field("sig_a").DocumentID)
	assert.False(t, f.notes.notified(emailOf("Ada")), "drafts notify nobody")

	env, err = f.o.SendEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.EnvelopeSent, env.Status)
	require.NotNil(t, env.ExpiresAt)
	assert.True(t, f.notes.notified(emailOf("Ada")))
	assert.False(t, f.notes.notified(emailOf("Bob")))

	_, err = f.o.SendEnvelope(ctx, env.ID)
	assert.True(t, interfaces.IsState(err))

	adaToken := f.token(t, emailOf("Ada"))
	res := f.sign(t, emailOf("Ada"), map[string]string{"sig_a": "Ada Lovelace"})
	assert.Equal(t, interfaces.EnvelopeInProgress, res.Envelope.Status)
	assert.Nil(t, res.Completed)
	assert.True(t, f.notes.notified(emailOf("Bob")))

	_, err = f.o.SubmitSignerAction(ctx, SignerActionInput{
		SignerRef:    SignerRef{Token: adaToken},
		Action:       ActionSign,
		ConsentGiven: true,
	})
	assert.ErrorIs(t, err, interfaces.ErrInvalidToken, "tokens are single use")

	res = f.sign(t, emailOf("Bob"), map[string]string{"sig_b": "Bob Marley"})
	require.NotNil(t, res.Completed)
	assert.True(t, res.Completed.Sealed)
	assert.NotEmpty(t, res.Completed.DocumentHash)
	assert.NotEmpty(t, res.Completed.CertificateKey)
	assert.Empty(t, res.Completed.SealError)

	stored, err := f.o.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.EnvelopeCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.NotEmpty(t, stored.Documents[0].SealedKey)
	assert.Equal(t, res.Completed.DocumentHash, stored.Documents[0].SealedHash)
	assert.Equal(t, res.Completed.CertificateKey, stored.CertificateKey)
	assert.Equal(t, "Ada Lovelace", stored.Field("sig_a").Value)
	require.NotNil(t, stored.Signers[0].Evidence)
	assert.Equal(t, "203.0.113.7", stored.Signers[0].Evidence.IPAddress)
	for _, s := range stored.Signers {
		assert.Empty(t, s.TokenHash)
	}

	assert.Equal(t, []interfaces.AuditEventType{
		interfaces.EventEnvelopeCreated,
		interfaces.EventEnvelopeSent,
		interfaces.EventSignerNotified,
		interfaces.EventSignerSigned,
		interfaces.EventSignerNotified,
		interfaces.EventSignerSigned,
		interfaces.EventDocumentSealed,
		interfaces.EventCertificateGenerated,
		interfaces.EventEnvelopeCompleted,
	}, f.eventTypes(t, env.ID))

	report, err := f.o.VerifyAuditTrail(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	_, err = f.o.VoidEnvelope(ctx, env.ID, "too late")
	assert.True(t, interfaces.IsState(err))
	_, err = f.o.CompleteEnvelope(ctx, env.ID)
	assert.True(t, interfaces.IsState(err))

	assert.Equal(t, []interfaces.WorkflowEventName{
		interfaces.WorkflowEnvelopeSent,
		interfaces.WorkflowSignerCompleted,
		interfaces.WorkflowSignerCompleted,
		interfaces.WorkflowEnvelopeCompleted,
	}, f.dispatcher.events)
}

func TestSigningWaves(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.createAndSend(t, envelopeInput([]SignerInput{
		signerInput("a", "Ada", 1),
		signerInput("b", "Bea", 1),
		signerInput("c", "Cy", 2),
		signerInput("d", "Dee", 3),
	}))

	assert.True(t, f.notes.notified(emailOf("Ada")))
	assert.True(t, f.notes.notified(emailOf("Bea")))
	assert.False(t, f.notes.notified(emailOf("Cy")))

	res := f.sign(t, emailOf("Ada"), nil)
	assert.False(t, res.Completion.WaveAdvanced)
	assert.False(t, f.notes.notified(emailOf("Cy")), "the wave waits for every tied signer")

	res = f.sign(t, emailOf("Bea"), nil)
	assert.True(t, res.Completion.WaveAdvanced)
	assert.True(t, f.notes.notified(emailOf("Cy")))
	assert.False(t, f.notes.notified(emailOf("Dee")))

	f.sign(t, emailOf("Cy"), nil)
	res = f.sign(t, emailOf("Dee"), nil)
	require.NotNil(t, res.Completed)
	assert.Equal(t, interfaces.EnvelopeCompleted, res.Envelope.Status)
}

func TestParallelOrderNotifiesEveryone(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	in := envelopeInput([]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bea", 2), signerInput("c", "Cy", 3)})
	in.SigningOrder = interfaces.SigningOrderParallel
	f.createAndSend(t, in)

	for _, name := range []string{"Ada", "Bea", "Cy"} {
		assert.True(t, f.notes.notified(emailOf(name)), name)
	}
	f.sign(t, emailOf("Cy"), nil)
	f.sign(t, emailOf("Ada"), nil)
	res := f.sign(t, emailOf("Bea"), nil)
	require.NotNil(t, res.Completed)
}

func TestRoutingSkipTo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	in := envelopeInput(
		[]SignerInput{signerInput("a", "Ada", 1), signerInput("l", "Lex", 2), signerInput("c", "Ceo", 3)},
		placeField("needs_legal", "a", interfaces.FieldText),
	)
	in.RoutingRules = []interfaces.RoutingRule{{
		ID:        "skip-legal",
		Condition: interfaces.RoutingCondition{Type: interfaces.ConditionFieldValue, FieldID: "needs_legal", Operator: interfaces.OpEq, Value: "no"},
		Action:    interfaces.RoutingAction{Type: interfaces.RouteSkipTo, TargetOrder: 3},
	}}
	env := f.createAndSend(t, in)

	res := f.sign(t, emailOf("Ada"), map[string]string{"needs_legal": "no"})
	assert.True(t, res.Decision.Matched)
	assert.Equal(t, "skip-legal", res.Decision.RuleID)
	assert.False(t, f.notes.notified(emailOf("Lex")))
	assert.True(t, f.notes.notified(emailOf("Ceo")))

	stored, err := f.o.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.SignerSkipped, stored.SignerByEmail(emailOf("Lex")).Status)
	assert.Equal(t, 1, f.countEvents(t, env.ID, interfaces.EventRoutingRuleApplied))
	assert.Equal(t, 1, f.countEvents(t, env.ID, interfaces.EventSignerSkipped))

	res = f.sign(t, emailOf("Ceo"), nil)
	require.NotNil(t, res.Completed)
}

func TestDecline(t *testing.T) {
	ctx := context.Background()

	t.Run("next wave continues", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		env := f.createAndSend(t, envelopeInput([]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bob", 2)}))

		res, err := f.o.SubmitSignerAction(ctx, SignerActionInput{
			SignerRef:     SignerRef{Token: f.token(t, emailOf("Ada"))},
			Action:        ActionDecline,
			DeclineReason: "wrong amount",
		})
		require.NoError(t, err)
		assert.Equal(t, interfaces.EnvelopeInProgress, res.Envelope.Status)
		ada := res.Envelope.SignerByEmail(emailOf("Ada"))
		assert.Equal(t, interfaces.SignerDeclined, ada.Status)
		assert.Equal(t, "wrong amount", ada.DeclineReason)
		assert.True(t, f.notes.notified(emailOf("Bob")))
		assert.Equal(t, 1, f.countEvents(t, env.ID, interfaces.EventSignerDeclined))
	})

	t.Run("decline rule completes the envelope", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		in := envelopeInput([]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bob", 2)})
		in.RoutingRules = []interfaces.RoutingRule{{
			ID:        "stop-on-decline",
			Condition: interfaces.RoutingCondition{Type: interfaces.ConditionSignerDeclined},
			Action:    interfaces.RoutingAction{Type: interfaces.RouteComplete},
		}}
		f.createAndSend(t, in)

		res, err := f.o.SubmitSignerAction(ctx, SignerActionInput{
			SignerRef: SignerRef{Token: f.token(t, emailOf("Ada"))},
			Action:    ActionDecline,
		})
		require.NoError(t, err)
		require.NotNil(t, res.Completed)
		assert.Equal(t, interfaces.EnvelopeCompleted, res.Envelope.Status)
		assert.Equal(t, interfaces.SignerSkipped, res.Envelope.SignerByEmail(emailOf("Bob")).Status)
		assert.False(t, f.notes.notified(emailOf("Bob")))
	})

	t.Run("unknown action", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.createAndSend(t, envelopeInput([]SignerInput{signerInput("a", "Ada", 1)}))
		_, err := f.o.SubmitSignerAction(ctx, SignerActionInput{
			SignerRef: SignerRef{Token: f.token(t, emailOf("Ada"))},
			Action:    "approve",
		})
		assert.True(t, interfaces.IsValidation(err))
	})

	t.Run("signing requires consent", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.createAndSend(t, envelopeInput([]SignerInput{signerInput("a", "Ada", 1)}))
		_, err := f.o.SubmitSignerAction(ctx, SignerActionInput{
			SignerRef: SignerRef{Token: f.token(t, emailOf("Ada"))},
			Action:    ActionSign,
		})
		assert.True(t, interfaces.IsValidation(err))
		f.sign(t, emailOf("Ada"), nil)
	})
}

func TestDelayedSignersArePromotedBySweeper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	in := envelopeInput([]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bob", 2)})
	in.RoutingRules = []interfaces.RoutingRule{{
		ID:        "cooling-off",
		Condition: interfaces.RoutingCondition{Type: interfaces.ConditionAfterSignerCompletes, SignerOrder: 1},
		Action:    interfaces.RoutingAction{Type: interfaces.RouteDelay, DelayHours: 2},
	}}
	env := f.createAndSend(t, in)

	res := f.sign(t, emailOf("Ada"), nil)
	require.Len(t, res.Completion.DelayedSigners, 1)
	assert.False(t, f.notes.notified(emailOf("Bob")))
	assert.Equal(t, 1, f.countEvents(t, env.ID, interfaces.EventSignerDelayed))

	bob := res.Envelope.SignerByEmail(emailOf("Bob"))
	_, err := f.o.SubmitSignerAction(ctx, SignerActionInput{
		SignerRef:    SignerRef{EnvelopeID: env.ID, SignerID: bob.ID},
		Action:       ActionSign,
		ConsentGiven: true,
	})
	assert.ErrorIs(t, err, interfaces.ErrInvalidToken, "remote signers need a token")

	sweeper := NewSweeper(f.o, time.Minute, silentLogger())
	assert.Equal(t, 0, sweeper.RunOnce(ctx).Promoted)

	f.clock.Advance(3 * time.Hour)
	assert.Equal(t, 1, sweeper.RunOnce(ctx).Promoted)
	assert.True(t, f.notes.notified(emailOf("Bob")))
	assert.Equal(t, 0, sweeper.RunOnce(ctx).Promoted, "promotion is idempotent")

	res = f.sign(t, emailOf("Bob"), nil)
	require.NotNil(t, res.Completed)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	in := envelopeInput([]SignerInput{signerInput("a", "Ada", 1)})
	expires := f.clock.Now().Add(time.Hour)
	in.ExpiresAt = &expires
	env := f.createAndSend(t, in)

	n, err := f.o.ExpireEnvelopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(2 * time.Hour)
	n, err = f.o.ExpireEnvelopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.o.ExpireEnvelopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stored, err := f.o.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.EnvelopeExpired, stored.Status)
	assert.Equal(t, 1, f.countEvents(t, env.ID, interfaces.EventEnvelopeExpired))

	_, err = f.o.SubmitSignerAction(ctx, SignerActionInput{
		SignerRef:    SignerRef{Token: f.token(t, emailOf("Ada"))},
		Action:       ActionSign,
		ConsentGiven: true,
	})
	assert.ErrorIs(t, err, interfaces.ErrInvalidToken)

	_, err = f.o.VoidEnvelope(ctx, env.ID, "")
	assert.True(t, interfaces.IsState(err))
}

func TestReminders(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ReminderInterval = 24 * time.Hour
	f := newFixture(t, cfg)
	env := f.createAndSend(t, envelopeInput([]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bob", 2)}))

	n, err := f.o.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(25 * time.Hour)
	n, err = f.o.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{emailOf("Ada")}, f.notes.reminders, "only eligible signers are reminded")

	n, err = f.o.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(25 * time.Hour)
	n, err = f.o.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, f.countEvents(t, env.ID, interfaces.EventSignerReminded))

	stored, err := f.o.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.SignerByEmail(emailOf("Ada")).LastReminderAt)
}

func TestRemindersDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReminderInterval = 0
	f := newFixture(t, cfg)
	f.createAndSend(t, envelopeInput([]SignerInput{signerInput("a", "Ada", 1)}))

	f.clock.Advance(1000 * time.Hour)
	n, err := f.o.SendReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDelegation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	env := f.createAndSend(t, envelopeInput(
		[]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bob", 2)},
		placeField("sig_a", "a", interfaces.FieldSignature),
	))
	adaToken := f.token(t, emailOf("Ada"))

	_, err := f.o.DelegateSigner(ctx, DelegationInput{
		SignerRef: SignerRef{Token: adaToken},
		Name:      "Bob Again",
		Email:     emailOf("Bob"),
	})
	assert.True(t, interfaces.IsValidation(err), "delegate must not be an active signer")

	delegated, err := f.o.DelegateSigner(ctx, DelegationInput{
		SignerRef: SignerRef{Token: adaToken},
		Name:      "Dora",
		Email:     emailOf("Dora"),
		Reason:    "on leave",
	})
	require.NoError(t, err)
	assert.Equal(t, interfaces.EnvelopeInProgress, delegated.Status)

	ada := delegated.SignerByEmail(emailOf("Ada"))
	dora := delegated.SignerByEmail(emailOf("Dora"))
	require.NotNil(t, dora)
	assert.Equal(t, interfaces.SignerDelegated, ada.Status)
	assert.Equal(t, dora.ID, ada.DelegatedToID)
	assert.Equal(t, ada.ID, dora.DelegatedFromID)
	assert.Equal(t, ada.Order, dora.Order)
	assert.Equal(t, dora.ID, delegated.Field("sig_a").SignerID)
	assert.True(t, f.notes.notified(emailOf("Dora")))

	_, err = f.o.SubmitSignerAction(ctx, SignerActionInput{SignerRef: SignerRef{Token: adaToken}, Action: ActionSign, ConsentGiven: true})
	assert.ErrorIs(t, err, interfaces.ErrInvalidToken)

	f.sign(t, emailOf("Dora"), map[string]string{"sig_a": "Dora"})
	assert.True(t, f.notes.notified(emailOf("Bob")))
	res := f.sign(t, emailOf("Bob"), nil)
	require.NotNil(t, res.Completed)

	events, err := f.o.AuditTrail(ctx, env.ID)
	require.NoError(t, err)
	var found bool
	for _, e := range events {
		if e.Type == interfaces.EventSignerDelegated {
			found = true
			assert.Equal(t, ada.ID, e.SignerID)
			assert.Equal(t, dora.ID, e.Payload["delegate_id"])
			assert.Equal(t, "on leave", e.Payload["reason"])
		}
	}
	assert.True(t, found)
}

func TestInvalidTokens(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.SignerTokenTTL = time.Hour
	f := newFixture(t, cfg)
	env := f.createAndSend(t, envelopeInput([]SignerInput{signerInput("a", "Ada", 1)}))
	ada := env.Signers[0]

	for name, token := range map[string]string{
		"malformed":      "no-separator",
		"trailing dot":   ada.ID + ".",
		"unknown signer": "00000000-0000-0000-0000-000000000000.secret",
		"wrong secret":   ada.ID + ".not-the-secret",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.o.SubmitSignerAction(ctx, SignerActionInput{SignerRef: SignerRef{Token: token}, Action: ActionSign, ConsentGiven: true})
			assert.ErrorIs(t, err, interfaces.ErrInvalidToken)
		})
	}

	t.Run("no reference", func(t *testing.T) {
		_, err := f.o.SubmitSignerAction(ctx, SignerActionInput{Action: ActionSign, ConsentGiven: true})
		assert.ErrorIs(t, err, interfaces.ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		f.clock.Advance(2 * time.Hour)
		_, err := f.o.SubmitSignerAction(ctx, SignerActionInput{SignerRef: SignerRef{Token: f.token(t, emailOf("Ada"))}, Action: ActionSign, ConsentGiven: true})
		assert.ErrorIs(t, err, interfaces.ErrInvalidToken)
	})
}

func TestTwoFactorCeremony(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	in := envelopeInput([]SignerInput{{
		ID: "a", Name: "Ada", Email: emailOf("Ada"), Phone: "+14155550100",
		VerificationLevel: interfaces.VerificationAES,
	}})
	env := f.createAndSend(t, in)
	assert.Equal(t, interfaces.MethodTwoFactor, env.Signers[0].VerificationMethod)
	ref := SignerRef{Token: f.token(t, emailOf("Ada"))}

	_, err := f.o.SubmitSignerAction(ctx, SignerActionInput{SignerRef: ref, Action: ActionSign, ConsentGiven: true})
	assert.ErrorIs(t, err, interfaces.ErrIdentityRequired)

	sess, err := f.o.StartVerification(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, interfaces.MethodTwoFactor, sess.Method)
	assert.Equal(t, identity.StateIdentityPending, sess.State)

	_, err = f.o.ResendCodes(ctx, ref, sess.ID)
	require.NoError(t, err)
	emailCode, smsCode := f.codes.get()
	require.NotEmpty(t, emailCode)

	_, err = f.o.CompleteTwoFactor(ctx, SignerRef{Token: ref.Token}, "other-session", emailCode, smsCode)
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)

	result, err := f.o.CompleteTwoFactor(ctx, ref, sess.ID, emailCode, smsCode)
	require.NoError(t, err)
	require.True(t, result.Verified)

	checked, err := f.o.CheckVerification(ctx, ref, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.StateIdentityVerified, checked.State)

	res, err := f.o.SubmitSignerAction(ctx, SignerActionInput{SignerRef: ref, Action: ActionSign, ConsentGiven: true})
	require.NoError(t, err)
	require.NotNil(t, res.Completed)

	events, err := f.o.AuditTrail(ctx, env.ID)
	require.NoError(t, err)
	for _, e := range events {
		if e.Type == interfaces.EventSignerSigned {
			assert.Equal(t, result.VerificationID, e.Payload["verification_id"])
			assert.Equal(t, "aes", e.Payload["verification_level"])
		}
	}
}

func TestVerificationNotRequired(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.createAndSend(t, envelopeInput([]SignerInput{signerInput("a", "Ada", 1)}))
	_, err := f.o.StartVerification(context.Background(), SignerRef{Token: f.token(t, emailOf("Ada"))})
	assert.True(t, interfaces.IsValidation(err))
}

func TestVerificationWithoutIdentityService(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), func(d *Dependencies) { d.Identity = nil })
	f.createAndSend(t, envelopeInput([]SignerInput{{
		ID: "a", Name: "Ada", Email: emailOf("Ada"), VerificationLevel: interfaces.VerificationQES,
	}}))
	ref := SignerRef{Token: f.token(t, emailOf("Ada"))}

	_, err := f.o.StartVerification(ctx, ref)
	assert.ErrorIs(t, err, interfaces.ErrNoProviderConfigured)
	_, err = f.o.SubmitSignerAction(ctx, SignerActionInput{SignerRef: ref, Action: ActionSign, ConsentGiven: true})
	assert.ErrorIs(t, err, interfaces.ErrNoProviderConfigured)
}

func TestQualifiedSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	env := f.createAndSend(t, envelopeInput([]SignerInput{{
		ID: "a", Name: "Ada", Email: emailOf("Ada"), VerificationLevel: interfaces.VerificationQES,
	}}))
	ref := SignerRef{Token: f.token(t, emailOf("Ada"))}

	sess, err := f.o.StartVerification(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "sandbox", sess.Provider)

	sess, err = f.o.CheckVerification(ctx, ref, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.StateSigningReady, sess.State)

	_, err = f.o.SubmitSignerAction(ctx, SignerActionInput{SignerRef: ref, Action: ActionSign, ConsentGiven: true})
	assert.ErrorIs(t, err, interfaces.ErrIdentityRequired, "an identified signer still has to sign the digest")

	sess, err = f.o.SignQualified(ctx, ref, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.StateSigned, sess.State)
	require.NotNil(t, sess.Signature)

	cert, err := cryptoutils.NewCertPEM(sess.Signature.Certificate)
	require.NoError(t, err)
	require.NoError(t, cryptoutils.VerifyDigestSignature(cert, SigningDigest(env), sess.Signature.Signature))

	res, err := f.o.SubmitSignerAction(ctx, SignerActionInput{SignerRef: ref, Action: ActionSign, ConsentGiven: true})
	require.NoError(t, err)
	require.NotNil(t, res.Completed)
	assert.Equal(t, 1, f.countEvents(t, env.ID, interfaces.EventQESSigned))
}

func TestInPersonSigning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	in := envelopeInput([]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bob", 2)})
	in.SigningMode = interfaces.SigningModeInPerson
	env := f.createAndSend(t, in)
	ada, bob := env.Signers[0], env.Signers[1]

	_, err := f.o.SubmitSignerAction(ctx, SignerActionInput{
		SignerRef:    SignerRef{EnvelopeID: env.ID, SignerID: bob.ID},
		Action:       ActionSign,
		ConsentGiven: true,
	})
	assert.True(t, interfaces.IsState(err), "bob is not in the current wave")

	_, err = f.o.SubmitSignerAction(ctx, SignerActionInput{
		SignerRef:    SignerRef{EnvelopeID: env.ID, SignerID: "nobody"},
		Action:       ActionSign,
		ConsentGiven: true,
	})
	assert.ErrorIs(t, err, interfaces.ErrSignerNotFound)

	for _, s := range []*interfaces.Signer{ada, bob} {
		_, err = f.o.SubmitSignerAction(ctx, SignerActionInput{
			SignerRef:    SignerRef{EnvelopeID: env.ID, SignerID: s.ID},
			Action:       ActionSign,
			ConsentGiven: true,
		})
		require.NoError(t, err)
	}

	stored, err := f.o.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.EnvelopeCompleted, stored.Status)
}

func TestFieldValues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	contact := placeField("contact", "a", interfaces.FieldEmail)
	contact.Required = true
	total := placeField("total", "", interfaces.FieldCalculated)
	total.Formula = "{qty} * {price}"
	env := f.createAndSend(t, envelopeInput(
		[]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bob", 2)},
		contact,
		placeField("qty", "a", interfaces.FieldNumber),
		placeField("price", "a", interfaces.FieldNumber),
		total,
		placeField("bob_only", "b", interfaces.FieldText),
	))
	ref := SignerRef{Token: f.token(t, emailOf("Ada"))}

	for name, values := range map[string]map[string]string{
		"invalid email":      {"contact": "not-an-email"},
		"missing required":   {"qty": "2"},
		"other signer field": {"contact": "ada@example.com", "bob_only": "x"},
		"unknown field":      {"contact": "ada@example.com", "nope": "x"},
		"calculated field":   {"contact": "ada@example.com", "total": "100"},
		"non numeric number": {"contact": "ada@example.com", "qty": "two"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.o.SubmitSignerAction(ctx, SignerActionInput{SignerRef: ref, Action: ActionSign, ConsentGiven: true, Values: values})
			assert.True(t, interfaces.IsValidation(err), "%v", err)
		})
	}

	resolved, err := f.o.ResolveFields(ctx, env.ID, map[string]string{"qty": "3", "price": "4"})
	require.NoError(t, err)
	for _, r := range resolved {
		if r.ID == "total" {
			assert.Equal(t, "12", r.Value)
		}
	}

	res, err := f.o.SubmitSignerAction(ctx, SignerActionInput{
		SignerRef:    ref,
		Action:       ActionSign,
		ConsentGiven: true,
		Values:       map[string]string{"contact": "ada@example.com", "qty": "2", "price": "3"},
	})
	require.NoError(t, err, "rejected submissions do not consume the token")
	assert.Equal(t, "6", res.Envelope.Field("total").Value)
	assert.Equal(t, "ada@example.com", res.Envelope.Field("contact").Value)
	assert.Empty(t, res.Envelope.Field("bob_only").Value)
}

func TestCreateEnvelopeValidation(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(*CreateEnvelopeInput)
	}{
		{"missing subject", func(in *CreateEnvelopeInput) { in.Subject = " " }},
		{"no documents", func(in *CreateEnvelopeInput) { in.Documents = nil }},
		{"empty document", func(in *CreateEnvelopeInput) { in.Documents[0].Content = nil }},
		{"no signers", func(in *CreateEnvelopeInput) { in.Signers = nil }},
		{"signer without name", func(in *CreateEnvelopeInput) { in.Signers[0].Name = "" }},
		{"invalid email", func(in *CreateEnvelopeInput) { in.Signers[0].Email = "ada" }},
		{"duplicate email", func(in *CreateEnvelopeInput) { in.Signers[1].Email = strings.ToUpper(in.Signers[0].Email) }},
		{"two-factor without phone", func(in *CreateEnvelopeInput) { in.Signers[0].VerificationLevel = interfaces.VerificationAES }},
		{"unknown level", func(in *CreateEnvelopeInput) { in.Signers[0].VerificationLevel = "eidas-high" }},
		{"qes with other method", func(in *CreateEnvelopeInput) {
			in.Signers[0].VerificationLevel = interfaces.VerificationQES
			in.Signers[0].VerificationMethod = interfaces.MethodTwoFactor
		}},
		{"expiry in the past", func(in *CreateEnvelopeInput) { in.ExpiresAt = &past }},
		{"unknown mode", func(in *CreateEnvelopeInput) { in.SigningMode = "kiosk" }},
		{"unknown order", func(in *CreateEnvelopeInput) { in.SigningOrder = "random" }},
		{"field for unknown signer", func(in *CreateEnvelopeInput) {
			in.Fields = append(in.Fields, placeField("x", "ghost", interfaces.FieldText))
		}},
		{"field off the page", func(in *CreateEnvelopeInput) {
			fld := placeField("x", "a", interfaces.FieldText)
			fld.X = 90
			in.Fields = append(in.Fields, fld)
		}},
		{"rule for unknown order", func(in *CreateEnvelopeInput) {
			in.RoutingRules = []interfaces.RoutingRule{{
				ID:        "r",
				Condition: interfaces.RoutingCondition{Type: interfaces.ConditionSignerDeclined},
				Action:    interfaces.RoutingAction{Type: interfaces.RouteSkipTo, TargetOrder: 9},
			}}
		}},
	}

	f := newFixture(t, DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := envelopeInput([]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bob", 2)})
			tt.mutate(&in)
			_, err := f.o.CreateEnvelope(ctx, in)
			assert.True(t, interfaces.IsValidation(err), "%v", err)
		})
	}

	list, err := f.o.ListEnvelopes(ctx, interfaces.EnvelopeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, list.Total, "rejected input persists nothing")
	assert.NotNil(t, list.Items)
}

func TestListEnvelopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	for i, tenant := range []string{"t1", "t1", "t2"} {
		in := envelopeInput([]SignerInput{signerInput("a", "Ada", 1)})
		in.TenantID = tenant
		in.Subject = fmt.Sprintf("agreement %d", i)
		_, err := f.o.CreateEnvelope(ctx, in)
		require.NoError(t, err)
	}

	list, err := f.o.ListEnvelopes(ctx, interfaces.EnvelopeFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Items, 2)

	list, err = f.o.ListEnvelopes(ctx, interfaces.EnvelopeFilter{Status: interfaces.EnvelopeSent})
	require.NoError(t, err)
	assert.Equal(t, 0, list.Total)

	_, err = f.o.GetEnvelope(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrEnvelopeNotFound)
}

func TestVoidEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	env := f.createAndSend(t, envelopeInput([]SignerInput{signerInput("a", "Ada", 1)}))

	voided, err := f.o.VoidEnvelope(ctx, env.ID, "terms changed")
	require.NoError(t, err)
	assert.Equal(t, interfaces.EnvelopeVoided, voided.Status)
	assert.Equal(t, "terms changed", voided.VoidReason)
	assert.Empty(t, voided.Signers[0].TokenHash)

	_, err = f.o.SubmitSignerAction(ctx, SignerActionInput{SignerRef: SignerRef{Token: f.token(t, emailOf("Ada"))}, Action: ActionSign, ConsentGiven: true})
	assert.ErrorIs(t, err, interfaces.ErrInvalidToken)

	_, err = f.o.VoidEnvelope(ctx, env.ID, "again")
	assert.True(t, interfaces.IsState(err))
	assert.Contains(t, f.dispatcher.events, interfaces.WorkflowEnvelopeVoided)
}

func TestManualCompletion(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AutoComplete = false
	f := newFixture(t, cfg)
	env := f.createAndSend(t, envelopeInput([]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bob", 2)}))

	_, err := f.o.CompleteEnvelope(ctx, env.ID)
	assert.True(t, interfaces.IsState(err), "signers are still pending")

	f.sign(t, emailOf("Ada"), nil)
	res := f.sign(t, emailOf("Bob"), nil)
	assert.Nil(t, res.Completed)
	assert.True(t, res.Completion.IsComplete)
	assert.Equal(t, interfaces.EnvelopeInProgress, res.Envelope.Status)

	completed, err := f.o.CompleteEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, completed.Sealed)
	assert.Equal(t, interfaces.EnvelopeCompleted, completed.Envelope.Status)
}

func TestSealFailureStillCompletes(t *testing.T) {
	sealerMock := &mockSealer{}
	sealerMock.On("Seal", mock.Anything, mock.Anything).Return(nil, errors.New("renderer crashed"))
	sealerMock.On("GenerateCertificate", mock.Anything, mock.Anything).Return("", errors.New("no fonts"))

	f := newFixture(t, DefaultConfig(), func(d *Dependencies) { d.Sealer = sealerMock })
	env := f.createAndSend(t, envelopeInput([]SignerInput{signerInput("a", "Ada", 1)}))

	res := f.sign(t, emailOf("Ada"), nil)
	require.NotNil(t, res.Completed)
	assert.False(t, res.Completed.Sealed)
	assert.Equal(t, "renderer crashed", res.Completed.SealError)
	assert.Equal(t, "no fonts", res.Completed.CertificateError)
	assert.Equal(t, interfaces.EnvelopeCompleted, res.Envelope.Status)

	assert.Equal(t, 1, f.countEvents(t, env.ID, interfaces.EventDocumentSealFailed))
	assert.Equal(t, 1, f.countEvents(t, env.ID, interfaces.EventCertificateFailed))
	assert.Equal(t, 1, f.countEvents(t, env.ID, interfaces.EventEnvelopeCompleted))
	sealerMock.AssertExpectations(t)
}

func TestConcurrentSigners(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	names := []string{"Ada", "Bea", "Cy", "Dee", "Eve", "Fay", "Gus", "Hal"}
	var signers []SignerInput
	for i, n := range names {
		signers = append(signers, signerInput(fmt.Sprintf("s%d", i), n, 1))
	}
	env := f.createAndSend(t, envelopeInput(signers))

	tokens := make([]string, len(names))
	for i, n := range names {
		tokens[i] = f.token(t, emailOf(n))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.o.SubmitSignerAction(ctx, SignerActionInput{
				SignerRef:    SignerRef{Token: tokens[i]},
				Action:       ActionSign,
				ConsentGiven: true,
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	stored, err := f.o.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.EnvelopeCompleted, stored.Status)
	assert.Equal(t, 1, f.countEvents(t, env.ID, interfaces.EventEnvelopeCompleted))
	assert.Equal(t, len(names), f.countEvents(t, env.ID, interfaces.EventSignerSigned))

	report, err := f.o.VerifyAuditTrail(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestTokenReuseRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	in := envelopeInput([]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bob", 1)})
	f.createAndSend(t, in)
	token := f.token(t, emailOf("Ada"))

	const attempts = 6
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.o.SubmitSignerAction(ctx, SignerActionInput{SignerRef: SignerRef{Token: token}, Action: ActionSign, ConsentGiven: true})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, interfaces.ErrInvalidToken)
	}
	assert.Equal(t, 1, succeeded)
}

func TestAnonymizeSigner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	env := f.createAndSend(t, envelopeInput([]SignerInput{signerInput("a", "Ada", 1), signerInput("b", "Bob", 2)}))
	ada := env.Signers[0]

	f.sign(t, emailOf("Ada"), nil)

	_, err := f.o.AnonymizeSigner(ctx, "unknown")
	assert.Error(t, err)

	n, err := f.o.AnonymizeSigner(ctx, ada.ID)
	require.NoError(t, err)
	assert.Positive(t, n)

	stored, err := f.o.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Signer(ada.ID).Evidence)
	assert.Empty(t, stored.Signer(ada.ID).Evidence.IPAddress)
	assert.Equal(t, RedactedName, stored.Signer(ada.ID).Name)
	assert.Empty(t, stored.Signer(ada.ID).Email)
	assert.True(t, stored.Signer(ada.ID).Evidence.ConsentGiven)

	events, err := f.ledger.ListForSigner(ctx, ada.ID)
	require.NoError(t, err)
	for _, e := range events {
		assert.Empty(t, e.IPAddress)
		assert.Empty(t, e.UserAgent)
		assert.True(t, e.Anonymized)
	}

	report, err := f.o.VerifyAuditTrail(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid, "anonymization keeps the chain verifiable")
	assert.Equal(t, 1, f.countEvents(t, env.ID, interfaces.EventSignerDataAnonymized))
}

func TestAnonymizeDelegate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	env := f.createAndSend(t, envelopeInput(
		[]SignerInput{signerInput("a", "Ada", 1)},
		placeField("sig_a", "a", interfaces.FieldSignature),
	))

	delegated, err := f.o.DelegateSigner(ctx, DelegationInput{
		SignerRef: SignerRef{Token: f.token(t, emailOf("Ada"))},
		Name:      "Dora",
		Email:     emailOf("Dora"),
	})
	require.NoError(t, err)
	ada := delegated.SignerByEmail(emailOf("Ada"))
	dora := delegated.SignerByEmail(emailOf("Dora"))
	require.NotNil(t, dora)

	_, err = f.o.AnonymizeSigner(ctx, dora.ID)
	require.NoError(t, err)

	stored, err := f.o.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, RedactedName, stored.Signer(dora.ID).Name)
	assert.Empty(t, stored.Signer(dora.ID).Email)
	assert.Equal(t, emailOf("Ada"), stored.Signer(ada.ID).Email)

	events, err := f.o.AuditTrail(ctx, env.ID)
	require.NoError(t, err)
	var found bool
	for _, e := range events {
		for _, v := range e.Payload {
			assert.NotEqual(t, emailOf("Dora"), v, "event %s still holds the delegate's email", e.Type)
			assert.NotEqual(t, "Dora", v, "event %s still holds the delegate's name", e.Type)
		}
		if e.Type == interfaces.EventSignerDelegated {
			found = true
			assert.Equal(t, ada.ID, e.SignerID)
			assert.Equal(t, dora.ID, e.Payload["delegate_id"])
			assert.NotContains(t, e.Payload, "delegate_name")
			assert.NotContains(t, e.Payload, "delegate_email")
		}
	}
	assert.True(t, found)

	report, err := f.o.VerifyAuditTrail(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid, "%+v", report.Breaks)
}

func TestVerifyAuditTrailDetectsTampering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	env := f.createAndSend(t, envelopeInput([]SignerInput{signerInput("a", "Ada", 1)}))

	require.True(t, f.store.Tamper(env.ID, 0, func(e *interfaces.AuditEvent) {
		e.Payload["subject"] = "something else"
	}))

	report, err := f.o.VerifyAuditTrail(ctx, env.ID)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Breaks)
	assert.Equal(t, 0, report.Breaks[0].Index)

	_, err = f.o.VerifyAuditTrail(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrEnvelopeNotFound)
}

func TestSweeperRunOnce(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ReminderInterval = time.Hour
	f := newFixture(t, cfg)

	short := envelopeInput([]SignerInput{signerInput("a", "Ada", 1)})
	expires := f.clock.Now().Add(30 * time.Minute)
	short.ExpiresAt = &expires
	f.createAndSend(t, short)
	f.createAndSend(t, envelopeInput([]SignerInput{signerInput("b", "Bob", 1)}))

	sweeper := NewSweeper(f.o, 0, silentLogger())
	assert.Equal(t, SweepReport{}, sweeper.RunOnce(ctx))

	f.clock.Advance(2 * time.Hour)
	report := sweeper.RunOnce(ctx)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.Reminded, "expired envelopes are not reminded")

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		sweeper.Run(runCtx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSigningDigest(t *testing.T) {
	env := &interfaces.Envelope{ID: "env", Documents: []*interfaces.Document{{ContentHash: "aa"}, {ContentHash: "bb"}}}
	d1 := SigningDigest(env)
	assert.Len(t, d1, 32)

	env.Documents[1].ContentHash = "cc"
	assert.NotEqual(t, d1, SigningDigest(env))

	id, ok := splitToken("signer.with.dots.secret")
	assert.True(t, ok)
	assert.Equal(t, "signer.with.dots", id)
}
