package participant

import (
	"context"
	"fmt"
)

// Channel pushes messages to externally connected seats.
// eventbridge.Hub satisfies it.
type Channel interface {
	Send(participantID string, msg Message) error
}

// External is a seat whose answers arrive later through the bridge.
type External struct {
	id      string
	channel Channel
}

// NewExternal binds a seat to a channel.
func NewExternal(id string, ch Channel) *External {
	return &External{id: id, channel: ch}
}

// ID returns the seat id.
func (e *External) ID() string { return e.id }

// Kind reports KindExternal.
func (e *External) Kind() Kind { return KindExternal }

// Deliver forwards msg without waiting on the seat.
func (e *External) Deliver(_ context.Context, msg Message) error {
	if e.channel == nil {
		return fmt.Errorf("%w: %s", ErrNoChannel, e.id)
	}
	msg.To = e.id
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if err := e.channel.Send(e.id, msg); err != nil {
		return fmt.Errorf("participant: deliver to %s: %w", e.id, err)
	}
	return nil
}

// Request sends the action request and returns immediately. The answer is
// recorded by whoever receives it from the seat, so rec is unused here.
func (e *External) Request(ctx context.Context, req Request, _ Recorder) error {
	return e.Deliver(ctx, Message{
		Type:     MessageActionRequest,
		ActionID: req.ActionID,
		Category: req.Category,
		Payload:  req.Context,
	})
}
