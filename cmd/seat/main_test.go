package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/kingrea/grimoire/internal/eventbridge"
	"github.com/kingrea/grimoire/internal/participant"
)

func TestAnswerEncodesDecision(t *testing.T) {
	policy := participant.PolicyFunc(func(_ context.Context, req participant.Request) (any, error) {
		if req.ParticipantID != "p3" || req.Context["round"] != "night" {
			t.Fatalf("unexpected request %+v", req)
		}
		return map[string]any{"target": "p1"}, nil
	})
	req := eventbridge.Envelope{
		ID:       "m1",
		Type:     participant.MessageActionRequest,
		ActionID: "N1",
		Category: "NIGHT_CHOICE",
		Payload:  json.RawMessage(`{"round":"night"}`),
	}
	reply := answer(context.Background(), policy, "p3", req)
	if err := reply.Validate(); err != nil {
		t.Fatalf("reply should validate: %v", err)
	}
	if reply.ActionID != "N1" || reply.ParticipantID != "p3" || reply.ID == "" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	var decoded map[string]string
	if err := json.Unmarshal(reply.Payload, &decoded); err != nil || decoded["target"] != "p1" {
		t.Fatalf("unexpected payload %s", reply.Payload)
	}
}

func TestAnswerReportsPolicyFailure(t *testing.T) {
	policy := participant.PolicyFunc(func(context.Context, participant.Request) (any, error) {
		return nil, errors.New("no idea")
	})
	reply := answer(context.Background(), policy, "p2", eventbridge.Envelope{ActionID: "D1", Type: participant.MessageActionRequest})
	if reply.Error != "no idea" || len(reply.Payload) != 0 {
		t.Fatalf("expected error-tagged reply, got %+v", reply)
	}
	if err := reply.Validate(); err != nil {
		t.Fatalf("error replies are valid results: %v", err)
	}
}

func TestAnswerRejectsBadContext(t *testing.T) {
	policy := participant.PolicyFunc(func(context.Context, participant.Request) (any, error) {
		t.Fatalf("policy should not run")
		return nil, nil
	})
	reply := answer(context.Background(), policy, "p2", eventbridge.Envelope{ActionID: "D1", Payload: json.RawMessage(`[1,2]`)})
	if reply.Error == "" {
		t.Fatalf("expected decode error")
	}
}
