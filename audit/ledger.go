package audit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/metrics"
)

// FallbackIDPrefix marks the ids of events that could not be persisted.
const FallbackIDPrefix = "fallback-"

// appendAttempts bounds how often an append is retried after another writer
// moved the chain head.
const appendAttempts = 5

// Entry is the caller-supplied part of an audit event.
type Entry struct {
	EnvelopeID  string
	SignerID    string
	Type        interfaces.AuditEventType
	Payload     map[string]any
	IPAddress   string
	UserAgent   string
	Geolocation string
}

const lockStripes = 64

// Ledger is the append-only, hash-chained audit log. Appends for one
// envelope are serialized so that previous-hash links follow insertion order.
type Ledger struct {
	store interfaces.AuditStore
	log   *slog.Logger
	now   func() time.Time

	locks     [lockStripes]sync.Mutex
	fallbacks atomic.Int64
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the time source used for event timestamps.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger on top of store.
func NewLedger(store interfaces.AuditStore, log *slog.Logger, opts ...LedgerOption) *Ledger {
	l := &Ledger{store: store, log: log, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) lockFor(envelopeID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(envelopeID))
	return &l.locks[h.Sum32()%lockStripes]
}

// Append records an event and returns the stored record. It never fails: if
// the store cannot be read or written, the returned record has Fallback set
// and an id starting with FallbackIDPrefix, and the failure is logged.
func (l *Ledger) Append(ctx context.Context, entry Entry) *interfaces.AuditEvent {
	event := &interfaces.AuditEvent{
		ID:          uuid.NewString(),
		EnvelopeID:  entry.EnvelopeID,
		SignerID:    entry.SignerID,
		Type:        entry.Type,
		IPAddress:   entry.IPAddress,
		UserAgent:   entry.UserAgent,
		Geolocation: entry.Geolocation,
		// Microsecond precision survives every store.
		CreatedAt: l.now().UTC().Truncate(time.Microsecond),
	}

	payload, err := normalizePayload(entry.Payload)
	if err != nil {
		event.Payload = map[string]any{"unserializable_payload": fmt.Sprint(entry.Payload)}
		return l.fallback(event, err)
	}
	event.Payload = payload

	if holdsPII(payload) {
		if event.Salt, err = newSalt(); err != nil {
			return l.fallback(event, err)
		}
	}
	if event.EventHash, err = HashEvent(event); err != nil {
		return l.fallback(event, err)
	}

	mu := l.lockFor(entry.EnvelopeID)
	mu.Lock()
	defer mu.Unlock()

	// The lock only covers this process. The store rejects an insert whose
	// previous hash is stale, and the head is read again.
	for attempt := 1; ; attempt++ {
		last, err := l.store.Last(ctx, entry.EnvelopeID)
		if err != nil {
			return l.fallback(event, fmt.Errorf("failed to read chain head: %w", err))
		}
		event.PreviousHash = ""
		if last != nil {
			event.PreviousHash = last.EventHash
		}

		err = l.store.Insert(ctx, event)
		if err == nil {
			break
		}
		if !errors.Is(err, interfaces.ErrConcurrentModification) || attempt == appendAttempts {
			return l.fallback(event, fmt.Errorf("failed to insert event: %w", err))
		}
		l.log.Debug("Audit chain head moved, retrying append",
			slog.String("envelope_id", event.EnvelopeID),
			slog.Int("attempt", attempt))
	}

	metrics.AuditAppended("stored")
	return event
}

func (l *Ledger) fallback(event *interfaces.AuditEvent, err error) *interfaces.AuditEvent {
	event.ID = FallbackIDPrefix + event.ID
	event.Fallback = true
	l.fallbacks.Inc()
	metrics.AuditAppended("fallback")
	metrics.BestEffortFailure("audit_append")

	l.log.Error("Audit event not persisted",
		slog.String("envelope_id", event.EnvelopeID),
		slog.String("signer_id", event.SignerID),
		slog.String("type", string(event.Type)),
		slog.String("event_id", event.ID),
		"err", err)
	return event
}

// Fallbacks returns the number of events that could not be persisted since start.
func (l *Ledger) Fallbacks() int64 {
	return l.fallbacks.Load()
}

// ListForEnvelope returns the envelope's events in insertion order.
func (l *Ledger) ListForEnvelope(ctx context.Context, envelopeID string) ([]*interfaces.AuditEvent, error) {
	return l.store.ListByEnvelope(ctx, envelopeID)
}

// ListForSigner returns the signer's events in insertion order.
func (l *Ledger) ListForSigner(ctx context.Context, signerID string) ([]*interfaces.AuditEvent, error) {
	return l.store.ListBySigner(ctx, signerID)
}

// VerifyChain replays the envelope's events and reports every broken link.
// A broken chain is reported, never repaired.
func (l *Ledger) VerifyChain(ctx context.Context, envelopeID string) (*ChainReport, error) {
	events, err := l.store.ListByEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	report := Verify(envelopeID, events)
	if !report.Valid {
		l.log.Warn("Audit chain integrity check failed",
			slog.String("envelope_id", envelopeID),
			slog.Int("breaks", len(report.Breaks)))
	}
	return report, nil
}

// AnonymizeSigner removes the signer's personal data from their own events
// and from events that name them, such as a delegation to them. Hash fields
// are left untouched and the events still verify.
func (l *Ledger) AnonymizeSigner(ctx context.Context, signerID string) (int, error) {
	n, err := l.store.AnonymizeSigner(ctx, signerID, SignerReferenceKeys(), signerRedaction(signerID))
	if err != nil {
		return 0, fmt.Errorf("failed to anonymize signer %s: %w", signerID, err)
	}
	l.log.Info("Anonymized signer audit events",
		slog.String("signer_id", signerID),
		slog.Int("events", n))
	return n, nil
}
