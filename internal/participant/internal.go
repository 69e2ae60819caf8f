package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kingrea/grimoire/internal/broker"
)

const (
	defaultActionTimeout = 30 * time.Second
	defaultInboxLimit    = 50
)

// Policy decides an action for an internal seat. Implementations should
// honour ctx; the adapter enforces the timeout either way.
type Policy interface {
	Decide(ctx context.Context, req Request) (any, error)
}

// PolicyFunc adapts a function into a Policy.
type PolicyFunc func(ctx context.Context, req Request) (any, error)

// Decide executes f.
func (f PolicyFunc) Decide(ctx context.Context, req Request) (any, error) {
	if f == nil {
		return nil, fmt.Errorf("participant: nil policy")
	}
	return f(ctx, req)
}

// InternalOption customizes an Internal adapter.
type InternalOption func(*Internal)

// WithTimeout bounds every action request.
func WithTimeout(d time.Duration) InternalOption {
	return func(i *Internal) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithInboxLimit bounds how many delivered messages the seat remembers.
func WithInboxLimit(n int) InternalOption {
	return func(i *Internal) {
		if n > 0 {
			i.inboxLimit = n
		}
	}
}

// Internal is an autonomous seat.
type Internal struct {
	id         string
	policy     Policy
	timeout    time.Duration
	inboxLimit int

	mu    sync.Mutex
	inbox []Message
	tasks sync.WaitGroup
}

// NewInternal binds a policy to a seat.
func NewInternal(id string, policy Policy, opts ...InternalOption) *Internal {
	i := &Internal{
		id:         id,
		policy:     policy,
		timeout:    defaultActionTimeout,
		inboxLimit: defaultInboxLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// ID returns the seat id.
func (i *Internal) ID() string { return i.id }

// Kind reports KindInternal.
func (i *Internal) Kind() Kind { return KindInternal }

// Deliver remembers the message so later decisions can see it.
func (i *Internal) Deliver(_ context.Context, msg Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.inbox = append(i.inbox, msg)
	if len(i.inbox) > i.inboxLimit {
		i.inbox = i.inbox[len(i.inbox)-i.inboxLimit:]
	}
	return nil
}

// Inbox copies the remembered messages.
func (i *Internal) Inbox() []Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Message, len(i.inbox))
	copy(out, i.inbox)
	return out
}

// Request spawns the policy and records its outcome. Failures and timeouts
// are recorded as error-tagged results, never dropped.
func (i *Internal) Request(ctx context.Context, req Request, rec Recorder) error {
	if rec == nil {
		return fmt.Errorf("participant: %s: nil recorder", i.id)
	}
	req.ParticipantID = i.id
	req.Context = i.withInbox(req.Context)
	i.tasks.Add(1)
	go func() {
		defer i.tasks.Done()
		rec.RecordResult(req.ActionID, i.id, i.decide(ctx, req))
	}()
	return nil
}

// Wait blocks until every spawned task has recorded its result.
func (i *Internal) Wait() {
	i.tasks.Wait()
}

type decision struct {
	value any
	err   error
}

func (i *Internal) decide(ctx context.Context, req Request) broker.Result {
	if i.policy == nil {
		return broker.ErrorResult(fmt.Errorf("participant: %s has no policy", i.id))
	}
	taskCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	done := make(chan decision, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- decision{err: fmt.Errorf("policy panic: %v", r)}
			}
		}()
		value, err := i.policy.Decide(taskCtx, req)
		done <- decision{value: value, err: err}
	}()
	select {
	case d := <-done:
		if d.err != nil {
			return broker.ErrorResult(d.err)
		}
		return broker.PayloadResult(d.value)
	case <-taskCtx.Done():
		if errors.Is(taskCtx.Err(), context.Canceled) {
			return broker.ErrorResult(fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx)))
		}
		return broker.ErrorResult(fmt.Errorf("%w after %s", ErrTimeout, i.timeout))
	}
}

func (i *Internal) withInbox(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	if inbox := i.Inbox(); len(inbox) > 0 {
		out["inbox"] = inbox
	}
	return out
}
