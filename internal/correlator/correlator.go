// ABOUTME: Correlates asynchronous command results with waiting HTTP requests.
// ABOUTME: Each pending slot is settled exactly once: resolved, timed out or cancelled.

package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/omni-gateway/internal/dedupe"
)

// DefaultTimeout bounds how long a submitted command waits for its result.
const DefaultTimeout = 15 * time.Second

// settledTTL is how long settled ids are remembered for diagnosing late results.
const settledTTL = 5 * time.Minute

// settledMax caps the number of remembered settled ids.
const settledMax = 100_000

// Correlator errors
var (
	ErrCommandTimeout = errors.New("command timed out")
	ErrDuplicateID    = errors.New("correlation id already pending")
	ErrCancelled      = errors.New("command cancelled")
	ErrClosed         = errors.New("correlator closed")
)

type slotState int

const (
	statePending slotState = iota
	stateResolved
	stateTimedOut
	stateCancelled
)

func (s slotState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateResolved:
		return "resolved"
	case stateTimedOut:
		return "timed_out"
	case stateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// slot is a single in-flight command. All fields except done are guarded
// by Correlator.mu; done is closed exactly once, when the slot settles.
type slot struct {
	id        string
	owner     string
	createdAt time.Time
	state     slotState
	result    json.RawMessage
	err       error
	timer     *time.Timer
	done      chan struct{}
}

// Correlator maps correlation ids to pending result slots.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*slot
	closed  bool
	settled *dedupe.Cache
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty Correlator. Call Close at process stop.
func New(logger *slog.Logger) *Correlator {
	return &Correlator{
		pending: make(map[string]*slot),
		settled: dedupe.New(settledTTL, settledMax),
		logger:  logger,
		now:     time.Now,
	}
}

// Pending is the waiting side of a submitted command.
type Pending struct {
	c    *Correlator
	slot *slot
}

// ID returns the correlation id.
func (p *Pending) ID() string {
	return p.slot.id
}

// Wait blocks until the slot settles or ctx ends. If ctx ends first the
// slot is cancelled and ctx.Err() is returned.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.slot.done:
	case <-ctx.Done():
		if p.c.settle(p.slot, stateCancelled, nil, ErrCancelled) {
			return nil, ctx.Err()
		}
		// Settled concurrently with the cancellation; report that outcome.
		<-p.slot.done
	}

	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.slot.result, p.slot.err
}

// Submit registers a pending slot for id that times out after timeout. Only
// owner, the principal the command was sent to, may resolve it.
func (c *Correlator) Submit(id, owner string, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if _, exists := c.pending[id]; exists {
		return nil, ErrDuplicateID
	}

	s := &slot{
		id:        id,
		owner:     owner,
		createdAt: c.now(),
		state:     statePending,
		done:      make(chan struct{}),
	}
	s.timer = time.AfterFunc(timeout, func() {
		if c.settle(s, stateTimedOut, nil, ErrCommandTimeout) {
			c.logger.Warn("command timed out",
				"command_id", id,
				"timeout", timeout,
			)
		}
	})
	c.pending[id] = s

	return &Pending{c: c, slot: s}, nil
}

// Resolve fulfils the pending slot for id with result sent by owner. Results
// for ids that are unknown, already resolved, already timed out or owned by
// another principal are dropped; Resolve reports whether the result was
// delivered.
func (c *Correlator) Resolve(id, owner string, result json.RawMessage) bool {
	c.mu.Lock()
	s, ok := c.pending[id]
	c.mu.Unlock()

	if ok && s.owner != owner {
		c.logger.Warn("dropping command result from wrong principal",
			"command_id", id,
			"expected", s.owner,
			"sender", owner,
		)
		return false
	}

	if ok && c.settle(s, stateResolved, result, nil) {
		c.logger.Debug("command resolved",
			"command_id", id,
			"elapsed", c.now().Sub(s.createdAt),
		)
		return true
	}

	if prior, seen := c.settled.Lookup(id); seen {
		c.logger.Info("dropping late command result",
			"command_id", id,
			"prior_outcome", prior,
		)
	} else {
		c.logger.Warn("dropping result for unknown command", "command_id", id)
	}
	return false
}

// Cancel settles the pending slot for id as cancelled. Used when the command
// could not be dispatched. Returns false if the slot had already settled.
func (c *Correlator) Cancel(id string) bool {
	c.mu.Lock()
	s, ok := c.pending[id]
	c.mu.Unlock()

	if !ok {
		return false
	}
	return c.settle(s, stateCancelled, nil, ErrCancelled)
}

// settle transitions s out of the pending state. Only the first caller wins;
// every later caller gets false and changes nothing.
func (c *Correlator) settle(s *slot, state slotState, result json.RawMessage, err error) bool {
	c.mu.Lock()
	if s.state != statePending {
		c.mu.Unlock()
		return false
	}
	s.state = state
	s.result = result
	s.err = err
	if c.pending[s.id] == s {
		delete(c.pending, s.id)
	}
	close(s.done)
	c.mu.Unlock()

	s.timer.Stop()
	c.settled.Mark(s.id, state.String())
	return true
}

// Len returns the number of pending slots.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending slot with ErrClosed and rejects new submissions.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	slots := make([]*slot, 0, len(c.pending))
	for _, s := range c.pending {
		slots = append(slots, s)
	}
	c.mu.Unlock()

	for _, s := range slots {
		c.settle(s, stateCancelled, nil, ErrClosed)
	}
	c.settled.Close()
}
