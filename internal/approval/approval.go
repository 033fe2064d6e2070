// Package approval provides the human approval gate consulted before risky
// automated actions.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"coopwatch/go-mqtt-server/internal/model"
)

// Request describes an action awaiting a decision.
type Request struct {
	ID            string    `json:"id"`
	Action        string    `json:"action"`
	Reason        string    `json:"reason"`
	CoopID        string    `json:"coop_id"`
	IntervalHours float64   `json:"interval_hours"`
	RequestedAt   time.Time `json:"requested_at"`
}

// Gate decides whether an action may proceed. It blocks until a decision is
// available.
type Gate interface {
	Request(ctx context.Context, req Request) (bool, error)
}

// Func adapts a function to Gate.
type Func func(ctx context.Context, req Request) (bool, error)

func (f Func) Request(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}

// Static always returns the same decision.
type Static bool

func (s Static) Request(context.Context, Request) (bool, error) {
	return bool(s), nil
}

// ErrUnknownRequest is returned when deciding a request that is not pending.
var ErrUnknownRequest = fmt.Errorf("approval request: %w", model.ErrNotFound)

// Recorder observes decisions made through a Queue.
type Recorder interface {
	RecordDecision(ctx context.Context, d model.ApprovalDecision)
}

type pending struct {
	req      Request
	decision chan bool
}

// Queue holds requests until an operator decides them. Requests left
// undecided past the timeout are denied.
type Queue struct {
	logger   *slog.Logger
	timeout  time.Duration
	recorder Recorder

	mu      sync.Mutex
	pending map[string]*pending
}

// NewQueue constructs a queue that denies requests after timeout.
func NewQueue(timeout time.Duration, logger *slog.Logger, recorder Recorder) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:   logger,
		timeout:  timeout,
		recorder: recorder,
		pending:  make(map[string]*pending),
	}
}

// Request enqueues req and waits for Decide, the timeout or ctx.
func (q *Queue) Request(ctx context.Context, req Request) (bool, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}

	p := &pending{req: req, decision: make(chan bool, 1)}
	q.mu.Lock()
	q.pending[req.ID] = p
	q.mu.Unlock()

	q.logger.Info("approval requested", "id", req.ID, "action", req.Action, "coop", req.CoopID, "reason", req.Reason)

	var timeout <-chan time.Time
	if q.timeout > 0 {
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var approved bool
	select {
	case approved = <-p.decision:
	case <-timeout:
		var decided bool
		if approved, decided = q.settle(req.ID, p); !decided {
			q.logger.Warn("approval request timed out", "id", req.ID)
		}
	case <-ctx.Done():
		var decided bool
		if approved, decided = q.settle(req.ID, p); !decided {
			return false, ctx.Err()
		}
	}

	q.record(ctx, req, approved)
	return approved, nil
}

// settle withdraws a request whose waiter is giving up. When Decide already
// claimed it, the operator's decision is returned with decided set.
func (q *Queue) settle(id string, p *pending) (approved, decided bool) {
	q.mu.Lock()
	_, waiting := q.pending[id]
	delete(q.pending, id)
	q.mu.Unlock()

	if waiting {
		return false, false
	}
	return <-p.decision, true
}

// Decide resolves a pending request. Requests that already timed out or
// were abandoned report ErrUnknownRequest.
func (q *Queue) Decide(id string, approved bool) error {
	q.mu.Lock()
	p, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	p.decision <- approved
	return nil
}

// Pending lists requests awaiting a decision, oldest first.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	out := make([]Request, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p.req)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

func (q *Queue) record(ctx context.Context, req Request, approved bool) {
	if q.recorder == nil {
		return
	}
	q.recorder.RecordDecision(context.WithoutCancel(ctx), model.ApprovalDecision{
		ID:            req.ID,
		Action:        req.Action,
		Reason:        req.Reason,
		CoopID:        req.CoopID,
		IntervalHours: req.IntervalHours,
		Approved:      approved,
		DecidedAt:     time.Now().UTC(),
	})
}

// IsUnknownRequest reports whether err came from deciding a missing request.
func IsUnknownRequest(err error) bool {
	return errors.Is(err, ErrUnknownRequest)
}
