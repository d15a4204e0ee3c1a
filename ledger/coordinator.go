/*
coordinator.go - The atomic apply path

PURPOSE:
  The Coordinator is the ONLY write path to any balance. It applies
  validate -> mutate -> append as one atomic unit per subject and
  resolves races between concurrent coordinators touching the same
  subject.

ALGORITHM (race-free, no lost updates):
  1. Idempotency check: a correlation ID already in the subject's
     ledger short-circuits to the prior result (no-op success).
  2. Read the current BalanceRecord, lazily materializing the domain
     default on first reference.
  3. Run the domain policy against the just-read snapshot. Rejection is
     final for this input; no retry can change it.
  4. CommitDelta: ONE conditional storage operation that increments the
     balance, bumps the version, re-checks the invariant server-side,
     and appends the ledger entry. Never read-modify-write.
  5. On a lost version race, retry from step 2 with jittered backoff,
     bounded by MaxRetries and the caller's deadline. Exhaustion
     surfaces as ErrConflict; the caller re-evaluates.
  6. Post-commit, threshold transitions are handed to the Alert
     Dispatcher fire-and-forget.

WHY THE POLICY CHECK IS STILL SAFE:
  Two concurrent sales can both read stock=1 and both pass the policy.
  Only one CommitDelta succeeds; the loser retries, re-reads stock=0,
  and is now rejected by the policy with the actual available quantity.
  The server-side guard is the backstop, the policy re-run is what
  produces the honest rejection message.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator serializes balance mutations per subject via optimistic
// concurrency. Safe for arbitrary concurrent use; independent subjects
// never contend with each other.
type Coordinator struct {
	store      Store
	policies   PolicySet
	dispatcher *Dispatcher // nil disables alerting
	log        zerolog.Logger

	maxRetries  int
	backoffBase time.Duration
	now         func() time.Time
}

// CoordinatorOptions tune retry behavior. Zero values get defaults.
type CoordinatorOptions struct {
	MaxRetries  int           // default 5
	BackoffBase time.Duration // default 5ms, doubled per attempt with jitter
}

// NewCoordinator wires the engine together. dispatcher may be nil.
func NewCoordinator(store Store, policies PolicySet, dispatcher *Dispatcher, log zerolog.Logger, opts CoordinatorOptions) *Coordinator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Millisecond
	}
	return &Coordinator{
		store:       store,
		policies:    policies,
		dispatcher:  dispatcher,
		log:         log.With().Str("component", "coordinator").Logger(),
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Apply validates and applies one signed delta to one subject.
//
// Returns:
//   - (*ApplyResult, nil) on acceptance or an idempotent replay
//   - error wrapping ErrPolicyRejected for business-rule violations
//   - error wrapping ErrConflict after the retry budget or deadline
//   - anything else is a storage fault
func (c *Coordinator) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	started := time.Now()
	result, err := c.apply(ctx, req)
	applyDuration.WithLabelValues(string(req.Domain)).Observe(time.Since(started).Seconds())
	applyTotal.WithLabelValues(string(req.Domain), outcomeLabel(result, err)).Inc()
	return result, err
}

func (c *Coordinator) apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if !req.Domain.Valid() {
		return nil, fmt.Errorf("domain %q: %w", req.Domain, ErrInvalidDomain)
	}
	if req.CorrelationID == "" {
		return nil, ErrCorrelationRequired
	}
	engine, err := c.policies.Engine(req.Domain)
	if err != nil {
		return nil, err
	}
	if req.Context.Now.IsZero() {
		req.Context.Now = c.now()
	}

	// Fast idempotency path: a retried network call must not mutate twice.
	if prior, err := c.store.EntryByCorrelation(ctx, req.Domain, req.SubjectID, req.CorrelationID); err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	} else if prior != nil {
		return c.replay(req, prior), nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		record, err := c.readOrMaterialize(ctx, engine, req)
		if err != nil {
			return nil, err
		}

		pctx := req.Context
		if req.Domain == DomainCoupon && record.PerActorLimit > 0 {
			count, err := c.store.CountByActor(ctx, req.Domain, req.SubjectID, req.ActorID)
			if err != nil {
				return nil, fmt.Errorf("actor usage lookup: %w", err)
			}
			pctx.ActorUsageCount = count
		}

		decision := engine.Evaluate(*record, req.Delta, pctx)
		if !decision.Accepted {
			return nil, NewRejection(req.Domain, req.SubjectID, decision)
		}

		delta := req.Delta
		if decision.CappedDelta != nil {
			delta = *decision.CappedDelta
		}

		entry, err := c.store.CommitDelta(ctx, c.buildCommit(req, *record, delta))
		switch {
		case err == nil:
			if decision.ThresholdCrossed {
				c.notifyThreshold(req, *record, entry)
			}
			return &ApplyResult{
				Outcome:          OutcomeAccepted,
				NewBalance:       entry.ResultingBalance,
				LedgerEntryID:    entry.ID,
				ThresholdCrossed: decision.ThresholdCrossed,
			}, nil

		case errors.Is(err, ErrDuplicateCorrelation):
			// A concurrent retry of the same logical call committed first.
			prior, lookupErr := c.store.EntryByCorrelation(ctx, req.Domain, req.SubjectID, req.CorrelationID)
			if lookupErr != nil || prior == nil {
				return nil, fmt.Errorf("duplicate correlation replay: %w", err)
			}
			return c.replay(req, prior), nil

		case errors.Is(err, ErrVersionConflict):
			lastErr = err
			applyRetries.WithLabelValues(string(req.Domain)).Inc()
			c.log.Debug().
				Str("domain", string(req.Domain)).
				Str("subject", string(req.SubjectID)).
				Int("attempt", attempt).
				Msg("lost version race, retrying")
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, &ConflictError{Domain: req.Domain, SubjectID: req.SubjectID, Attempts: attempt, Cause: err}
			}

		default:
			return nil, fmt.Errorf("commit %s/%s: %w", req.Domain, req.SubjectID, err)
		}
	}

	return nil, &ConflictError{Domain: req.Domain, SubjectID: req.SubjectID, Attempts: c.maxRetries, Cause: lastErr}
}

// readOrMaterialize loads the record, creating the domain default on
// first reference. A lost create race falls through to the re-read.
func (c *Coordinator) readOrMaterialize(ctx context.Context, engine PolicyEngine, req ApplyRequest) (*BalanceRecord, error) {
	record, err := c.store.GetBalance(ctx, req.Domain, req.SubjectID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrSubjectNotFound) {
		return nil, fmt.Errorf("read balance %s/%s: %w", req.Domain, req.SubjectID, err)
	}

	defaults := engine.Defaults(req.SubjectID)
	defaults.Domain = req.Domain
	defaults.SubjectID = req.SubjectID
	defaults.CreatedAt = c.now()
	defaults.UpdatedAt = defaults.CreatedAt
	if err := c.store.CreateBalance(ctx, defaults); err != nil {
		return nil, fmt.Errorf("materialize %s/%s: %w", req.Domain, req.SubjectID, err)
	}
	record, err = c.store.GetBalance(ctx, req.Domain, req.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("reread after materialize: %w", err)
	}
	return record, nil
}

func (c *Coordinator) buildCommit(req ApplyRequest, record BalanceRecord, delta int64) Commit {
	commit := Commit{
		Record:          record,
		Delta:           delta,
		ExpectedVersion: record.Version,
		Entry: LedgerEntry{
			ID:            uuid.NewString(),
			SubjectID:     req.SubjectID,
			Domain:        req.Domain,
			Delta:         delta,
			Reason:        req.Reason,
			ActorID:       req.ActorID,
			CorrelationID: req.CorrelationID,
			CreatedAt:     c.now(),
		},
	}
	if req.Domain == DomainLoyalty {
		if delta > 0 {
			commit.LoyaltyEarned = delta
		} else {
			commit.LoyaltyRedeemed = -delta
		}
	}
	return commit
}

func (c *Coordinator) replay(req ApplyRequest, prior *LedgerEntry) *ApplyResult {
	c.log.Info().
		Str("domain", string(req.Domain)).
		Str("subject", string(req.SubjectID)).
		Str("correlation_id", req.CorrelationID).
		Msg("duplicate correlation id, returning prior result")
	return &ApplyResult{
		Outcome:       OutcomeDuplicate,
		NewBalance:    prior.ResultingBalance,
		LedgerEntryID: prior.ID,
	}
}

func (c *Coordinator) notifyThreshold(req ApplyRequest, record BalanceRecord, entry *LedgerEntry) {
	if c.dispatcher == nil {
		return
	}
	kind := AlertLowStock
	threshold := record.RestockThreshold
	if req.Domain == DomainLoyalty {
		kind = AlertPointMilestone
		threshold = 0
	}
	c.dispatcher.Enqueue(AlertEvent{
		Kind:      kind,
		Domain:    req.Domain,
		SubjectID: req.SubjectID,
		Balance:   entry.ResultingBalance,
		Threshold: threshold,
		At:        entry.CreatedAt,
	})
}

// backoff sleeps for a jittered, exponentially growing interval, or
// returns the context error when the caller's deadline wins.
func (c *Coordinator) backoff(ctx context.Context, attempt int) error {
	max := c.backoffBase << uint(attempt-1)
	delay := time.Duration(rand.Int63n(int64(max))) + c.backoffBase/2
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func outcomeLabel(result *ApplyResult, err error) string {
	switch {
	case err == nil && result != nil && result.Outcome == OutcomeDuplicate:
		return "duplicate"
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrPolicyRejected):
		return "rejected"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
