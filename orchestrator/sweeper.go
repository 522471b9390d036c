package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruteri/signing-ceremony-backend/audit"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/metrics"
)

// ExpireEnvelopes moves active envelopes past their expiry to expired. It
// returns the number of envelopes expired; a second run finds nothing.
func (o *Orchestrator) ExpireEnvelopes(ctx context.Context) (int, error) {
	candidates, err := o.deps.Repo.ListByStatus(ctx, interfaces.EnvelopeSent, interfaces.EnvelopeInProgress)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, c := range candidates {
		if c.ExpiresAt == nil || !o.now().After(*c.ExpiresAt) {
			continue
		}
		ok, err := o.sweepEnvelope(ctx, c.ID, func(env *interfaces.Envelope) bool {
			if !env.Status.Active() || env.ExpiresAt == nil || !o.now().After(*env.ExpiresAt) {
				return false
			}
			revokeTokens(env)
			o.transition(env, interfaces.EnvelopeExpired)
			return true
		})
		if err != nil {
			o.log.Error("Failed to expire envelope", slog.String("envelope_id", c.ID), "err", err)
			continue
		}
		if ok {
			expired++
			o.record(ctx, audit.Entry{
				EnvelopeID: c.ID,
				Type:       interfaces.EventEnvelopeExpired,
				Payload:    map[string]any{"expires_at": c.ExpiresAt.UTC().Format(time.RFC3339)},
			})
		}
	}
	metrics.SweepItems("expiry", expired)
	return expired, nil
}

// PromoteDelayedSigners notifies signers whose routing delay has elapsed. It
// returns the number of signers notified.
func (o *Orchestrator) PromoteDelayedSigners(ctx context.Context) (int, error) {
	candidates, err := o.deps.Repo.ListByStatus(ctx, interfaces.EnvelopeSent, interfaces.EnvelopeInProgress)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, c := range candidates {
		if !hasElapsedDelay(c, o.now()) {
			continue
		}
		var invites []invitation
		var env *interfaces.Envelope
		_, err := o.sweepEnvelope(ctx, c.ID, func(e *interfaces.Envelope) bool {
			if !e.Status.Active() || !hasElapsedDelay(e, o.now()) {
				return false
			}
			o.deps.Resolver.PromoteDelayed(e)
			inv, err := o.invite(e, o.deps.Resolver.NextEligibleSigners(e))
			if err != nil {
				o.log.Error("Failed to issue signer token", slog.String("envelope_id", e.ID), "err", err)
				return false
			}
			invites, env = inv, e
			return true
		})
		if err != nil {
			o.log.Error("Failed to promote delayed signers", slog.String("envelope_id", c.ID), "err", err)
			continue
		}
		if env != nil {
			o.deliver(ctx, env, invites)
			promoted += len(invites)
		}
	}
	metrics.SweepItems("delayed_promotion", promoted)
	return promoted, nil
}

func hasElapsedDelay(env *interfaces.Envelope, now time.Time) bool {
	for _, s := range env.Signers {
		if s.DelayedUntil != nil && !s.DelayedUntil.After(now) {
			return true
		}
	}
	return false
}

// SendReminders re-notifies eligible signers who were last contacted at
// least ReminderInterval ago. It returns the number of reminders sent.
func (o *Orchestrator) SendReminders(ctx context.Context) (int, error) {
	if o.cfg.ReminderInterval <= 0 {
		return 0, nil
	}
	candidates, err := o.deps.Repo.ListByStatus(ctx, interfaces.EnvelopeSent, interfaces.EnvelopeInProgress)
	if err != nil {
		return 0, err
	}

	reminded := 0
	for _, c := range candidates {
		if len(o.dueForReminder(c)) == 0 {
			continue
		}
		var due []*interfaces.Signer
		var env *interfaces.Envelope
		_, err := o.sweepEnvelope(ctx, c.ID, func(e *interfaces.Envelope) bool {
			if !e.Status.Active() {
				return false
			}
			due = o.dueForReminder(e)
			now := o.now().UTC()
			for _, s := range due {
				s.LastReminderAt = &now
			}
			env = e
			return len(due) > 0
		})
		if err != nil {
			o.log.Error("Failed to record reminders", slog.String("envelope_id", c.ID), "err", err)
			continue
		}
		for _, s := range due {
			o.remind(ctx, env, s)
			reminded++
		}
	}
	metrics.SweepItems("reminders", reminded)
	return reminded, nil
}

func (o *Orchestrator) dueForReminder(env *interfaces.Envelope) []*interfaces.Signer {
	now := o.now()
	var due []*interfaces.Signer
	for _, s := range o.deps.Resolver.NextEligibleSigners(env) {
		if s.Status != interfaces.SignerNotified {
			continue
		}
		last := s.LastReminderAt
		if last == nil {
			last = s.NotifiedAt
		}
		if last != nil && now.Sub(*last) >= o.cfg.ReminderInterval {
			due = append(due, s)
		}
	}
	return due
}

func (o *Orchestrator) remind(ctx context.Context, env *interfaces.Envelope, s *interfaces.Signer) {
	o.record(ctx, audit.Entry{EnvelopeID: env.ID, SignerID: s.ID, Type: interfaces.EventSignerReminded})
	if o.deps.Notifier == nil {
		return
	}
	if err := o.deps.Notifier.SendReminder(ctx, env, s); err != nil {
		metrics.BestEffortFailure("send_reminder")
		o.log.Error("Failed to send reminder",
			slog.String("envelope_id", env.ID),
			slog.String("signer_id", s.ID),
			"err", err)
	}
}

// sweepEnvelope reloads the envelope under its lock and persists it when
// mutate reports a change.
func (o *Orchestrator) sweepEnvelope(ctx context.Context, id string, mutate func(*interfaces.Envelope) bool) (bool, error) {
	unlock := o.lock(id)
	defer unlock()

	env, err := o.deps.Repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !mutate(env) {
		return false, nil
	}
	if err := o.persist(ctx, env); err != nil {
		return false, err
	}
	return true, nil
}

// SweepReport counts what one sweep pass changed.
type SweepReport struct {
	Expired         int `json:"expired"`
	Promoted        int `json:"promoted"`
	Reminded        int `json:"reminded"`
	IdentityExpired int `json:"identity_expired"`
}

// Sweeper runs the periodic sweeps. Every sweep is idempotent.
type Sweeper struct {
	o        *Orchestrator
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper creates a Sweeper running every interval.
func NewSweeper(o *Orchestrator, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{o: o, interval: interval, log: log}
}

// RunOnce performs one pass of every sweep.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	var r SweepReport
	var err error

	if r.Expired, err = s.o.ExpireEnvelopes(ctx); err != nil {
		s.log.Error("Expiry sweep failed", "err", err)
	}
	if r.Promoted, err = s.o.PromoteDelayedSigners(ctx); err != nil {
		s.log.Error("Delayed signer sweep failed", "err", err)
	}
	if r.Reminded, err = s.o.SendReminders(ctx); err != nil {
		s.log.Error("Reminder sweep failed", "err", err)
	}
	if s.o.deps.Identity != nil {
		r.IdentityExpired = s.o.deps.Identity.Sweep(ctx)
		metrics.SweepItems("identity_sessions", r.IdentityExpired)
	}

	if r != (SweepReport{}) {
		s.log.Info("Sweep finished",
			slog.Int("expired", r.Expired),
			slog.Int("promoted", r.Promoted),
			slog.Int("reminded", r.Reminded),
			slog.Int("identity_expired", r.IdentityExpired))
	}
	return r
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
