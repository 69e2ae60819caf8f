package eventbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/grimoire/internal/participant"
)

func TestHubBuffersAndFlushes(t *testing.T) {
	hub := NewHub(HubWithBacklogLimit(2))
	hub.Route(Envelope{ID: "1", Type: "NOTICE", ParticipantID: "p1"})
	hub.Route(Envelope{ID: "2", Type: "NOTICE", ParticipantID: "p1"})
	hub.Route(Envelope{ID: "3", Type: "NOTICE", ParticipantID: "p1"})
	sub := hub.Subscribe("p1")
	defer sub.Close()
	got := []string{(<-sub.Envelopes).ID, (<-sub.Envelopes).ID}
	if got[0] != "2" || got[1] != "3" {
		t.Fatalf("expected backlog [2 3], got %v", got)
	}
	if len(hub.Backlog("p1")) != 0 {
		t.Fatalf("backlog should be empty after subscribe")
	}
}

func TestHubReplaysBacklogBeforeConcurrentRoutes(t *testing.T) {
	for round := 0; round < 50; round++ {
		hub := NewHub(HubWithBacklogLimit(40), HubWithSubscriberCapacity(64))
		for i := 0; i < 20; i++ {
			hub.Route(Envelope{ID: fmt.Sprintf("old-%d", i), Type: "NOTICE", ParticipantID: "p1"})
		}
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				hub.Route(Envelope{ID: fmt.Sprintf("new-%d", i), Type: "NOTICE", ParticipantID: "p1"})
			}
		}()
		sub := hub.Subscribe("p1")
		wg.Wait()
		got := make([]string, 0, 40)
		for len(got) < 40 {
			got = append(got, (<-sub.Envelopes).ID)
		}
		sub.Close()
		for i := 0; i < 20; i++ {
			if got[i] != fmt.Sprintf("old-%d", i) {
				t.Fatalf("round %d: backlog replay out of order at %d: %v", round, i, got)
			}
		}
	}
}

func TestHubRequeueRestoresFrontOfBacklog(t *testing.T) {
	hub := NewHub(HubWithBacklogLimit(3))
	hub.Route(Envelope{ID: "later", Type: "NOTICE", ParticipantID: "p1"})
	hub.Requeue("p1", []Envelope{
		{ID: "req", Type: participant.MessageActionRequest, ParticipantID: "p1"},
		{ID: "n1", Type: "NOTICE", ParticipantID: "p1"},
		{ID: "n2", Type: "NOTICE", ParticipantID: "p1"},
	})
	backlog := hub.Backlog("p1")
	var ids []string
	for _, env := range backlog {
		ids = append(ids, env.ID)
	}
	if strings.Join(ids, ",") != "req,n2,later" {
		t.Fatalf("expected [req n2 later], got %v", ids)
	}

	live := hub.Subscribe("p2")
	defer live.Close()
	hub.Requeue("p2", []Envelope{{ID: "x", Type: "NOTICE", ParticipantID: "p2"}})
	if len(hub.Backlog("p2")) != 0 {
		t.Fatalf("a live connection already received requeued envelopes")
	}
}

func TestHubBacklogKeepsCriticalEnvelopes(t *testing.T) {
	hub := NewHub(HubWithBacklogLimit(2))
	hub.Route(Envelope{ID: "req", Type: participant.MessageActionRequest, ParticipantID: "p1"})
	hub.Route(Envelope{ID: "n1", Type: "NOTICE", ParticipantID: "p1"})
	hub.Route(Envelope{ID: "n2", Type: "NOTICE", ParticipantID: "p1"})
	backlog := hub.Backlog("p1")
	if len(backlog) != 2 || backlog[0].ID != "req" || backlog[1].ID != "n2" {
		t.Fatalf("expected [req n2], got %+v", backlog)
	}
}

func TestHubDedupeByID(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("p1")
	defer sub.Close()
	env := Envelope{ID: "dup", Type: "NOTICE", ParticipantID: "p1"}
	hub.Route(env)
	hub.Route(env)
	<-sub.Envelopes
	select {
	case extra := <-sub.Envelopes:
		t.Fatalf("unexpected duplicate %+v", extra)
	default:
	}
}

func TestHubSendEncodesMessage(t *testing.T) {
	fixed := time.Unix(1730000000, 0).UTC()
	hub := NewHub(HubWithClock(func() time.Time { return fixed }))
	sub := hub.Subscribe("p3")
	defer sub.Close()
	err := hub.Send("p3", participant.Message{
		ID:       "m1",
		Type:     participant.MessageActionRequest,
		ActionID: "N1",
		Category: "NIGHT_CHOICE",
		Payload:  map[string]any{"alive": []string{"p1", "p2"}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	env := <-sub.Envelopes
	if env.ParticipantID != "p3" || env.ActionID != "N1" || !env.SentAt.Equal(fixed) {
		t.Fatalf("unexpected envelope %+v", env)
	}
	var payload struct {
		Alive []string `json:"alive"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil || len(payload.Alive) != 2 {
		t.Fatalf("payload not carried: %s (%v)", env.Payload, err)
	}
}

func TestHubSendRejectsUnencodablePayload(t *testing.T) {
	hub := NewHub()
	if err := hub.Send("p1", participant.Message{ID: "x", Type: "NOTICE", Payload: make(chan int)}); err == nil {
		t.Fatalf("expected encode error")
	}
}

func TestSubscriberDropsOldestNonCriticalOnOverflow(t *testing.T) {
	hub := NewHub(HubWithSubscriberCapacity(1))
	sub := hub.Subscribe("p1")
	defer sub.Close()
	hub.Route(Envelope{ID: "a", Type: "NOTICE", ParticipantID: "p1"})
	hub.Route(Envelope{ID: "b", Type: participant.MessageGameEnd, ParticipantID: "p1"})
	if got := <-sub.Envelopes; got.ID != "b" {
		t.Fatalf("expected critical envelope to replace oldest, got %s", got.ID)
	}
}

func TestSubscriberDropsIncomingWhenOldestCritical(t *testing.T) {
	hub := NewHub(HubWithSubscriberCapacity(1))
	sub := hub.Subscribe("p1")
	defer sub.Close()
	hub.Route(Envelope{ID: "a", Type: participant.MessageActionRequest, ParticipantID: "p1"})
	hub.Route(Envelope{ID: "b", Type: "NOTICE", ParticipantID: "p1"})
	if got := <-sub.Envelopes; got.ID != "a" {
		t.Fatalf("expected critical envelope retained, got %s", got.ID)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	env := Envelope{ID: "r1", Type: "action_result", ActionID: "N1", ParticipantID: "p3", Payload: json.RawMessage(`{"target":"p1"}`)}
	env.Normalize()
	if err := env.Validate(); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}
	bad := []Envelope{
		{Type: TypeActionResult, ActionID: "N1", ParticipantID: "p3", Payload: json.RawMessage(`{}`)},
		{ID: "r", Type: "NOTICE", ActionID: "N1", ParticipantID: "p3", Payload: json.RawMessage(`{}`)},
		{ID: "r", Type: TypeActionResult, ParticipantID: "p3", Payload: json.RawMessage(`{}`)},
		{ID: "r", Type: TypeActionResult, ActionID: "N1", Payload: json.RawMessage(`{}`)},
		{ID: "r", Type: TypeActionResult, ActionID: "N1", ParticipantID: "p3"},
		{ID: "r", Type: TypeActionResult, ActionID: "N1", ParticipantID: "p3", Payload: json.RawMessage(`{nope`)},
	}
	for i, e := range bad {
		if err := e.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	errOnly := Envelope{ID: "r", Type: TypeActionResult, ActionID: "N1", ParticipantID: "p3", Error: "declined"}
	if err := errOnly.Validate(); err != nil {
		t.Fatalf("error-only result should be valid: %v", err)
	}
	if !errOnly.Result().Failed() {
		t.Fatalf("error-only result should be failed")
	}
}
