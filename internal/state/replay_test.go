package state

import (
	"encoding/json"
	"testing"

	"github.com/kingrea/grimoire/internal/roles"
)

func TestReplayMatchesLiveStore(t *testing.T) {
	s := newTestStore(t, Seat{ID: "p1", Role: "Imp"}, Seat{ID: "p2", Role: "Chef"}, Seat{ID: "p3", Role: "Monk"})
	s.SetPhase(PhaseFirstNight, 1)
	if err := s.UpdateStatus("p2", "poisoned", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetName("p3", "Cy"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAlive("p2", false, "demon kill"); err != nil {
		t.Fatal(err)
	}
	s.SetPhase(PhaseNomination, 2)
	if err := s.SetNominee("p1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDemonBluffs([]string{"Soldier", "Virgin", "Slayer"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRedHerring("p3"); err != nil {
		t.Fatal(err)
	}
	s.AppendEvent(CategoryStorytellerNote, map[string]any{"text": "tense"})

	live := s.Snapshot(0)
	replayed := Replay(s.Events(0), 0)
	if replayed.Phase != live.Phase || replayed.Day != live.Day || replayed.Nominee != live.Nominee {
		t.Fatalf("header mismatch: replayed %+v live %+v", replayed, live)
	}
	if replayed.LastSeq != live.LastSeq || len(replayed.Events) != len(live.Events) {
		t.Fatalf("log mismatch: %d/%d vs %d/%d", replayed.LastSeq, len(replayed.Events), live.LastSeq, len(live.Events))
	}
	if len(replayed.DemonBluffs) != 3 || replayed.DemonBluffs[2] != "Slayer" || replayed.RedHerring != "p3" {
		t.Fatalf("setup secrets not replayed: %v %q", replayed.DemonBluffs, replayed.RedHerring)
	}
	for i, p := range live.Participants {
		got := replayed.Participants[i]
		if got.ID != p.ID || got.Name != p.Name || got.Role != p.Role || got.Alive != p.Alive || got.Alignment != p.Alignment {
			t.Fatalf("participant %d mismatch: %+v vs %+v", i, got, p)
		}
	}
	p2, _ := replayed.Participant("p2")
	if p2.Statuses["poisoned"] != true {
		t.Fatalf("expected poisoned status replayed, got %v", p2.Statuses)
	}
	if p2.Alignment != roles.AlignmentGood {
		t.Fatalf("expected Good alignment, got %s", p2.Alignment)
	}
}

func TestReplayAfterJSONRoundTrip(t *testing.T) {
	s := newTestStore(t, Seat{ID: "p1", Role: "Imp"})
	s.SetPhase(PhaseDayDiscussion, 3)
	s.SetPhase(PhaseVoting, -1)
	if err := s.SetDemonBluffs([]string{"Chef", "Monk", "Mayor"}); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(s.Events(0))
	if err != nil {
		t.Fatal(err)
	}
	var decoded []Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	snap := Replay(decoded, 2)
	if snap.Phase != PhaseVoting || snap.Day != 3 {
		t.Fatalf("expected VOTING day 3, got %s day %d", snap.Phase, snap.Day)
	}
	if len(snap.DemonBluffs) != 3 || snap.DemonBluffs[2] != "Mayor" {
		t.Fatalf("expected bluffs from decoded list, got %v", snap.DemonBluffs)
	}
	if len(snap.Events) != 2 || snap.Events[1].Seq != snap.LastSeq {
		t.Fatalf("expected the 2 most recent events, got %+v", snap.Events)
	}
}

func TestReplayIgnoresUnknownParticipants(t *testing.T) {
	events := []Event{
		{Seq: 1, Category: CategoryStatusUpdate, Payload: map[string]any{"participant_id": "ghost", "status": "drunk", "value": true}},
		{Seq: 2, Category: CategoryDeath, Payload: map[string]any{"participant_id": "ghost"}},
	}
	snap := Replay(events, 0)
	if len(snap.Participants) != 0 || snap.LastSeq != 2 || snap.Phase != PhaseSetup {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
