// cmd/seat/main.go
//
// seat plays one external seat over the bridge's websocket. It answers every
// ACTION_REQUEST with the named policy and exits when the game ends:
//
//	seat --seat p3 --policy random
//	seat --url ws://host:8765 --seat p5 --dir ./game --policy cautious.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kingrea/grimoire/internal/config"
	"github.com/kingrea/grimoire/internal/eventbridge"
	"github.com/kingrea/grimoire/internal/participant"
	"github.com/kingrea/grimoire/plugins"
)

func main() {
	baseURL := flag.String("url", "ws://127.0.0.1:8765", "bridge base URL")
	seatID := flag.String("seat", "", "seat id to play (e.g. p3)")
	policyName := flag.String("policy", plugins.BuiltinRandom, "policy name from .grimoire/policies, or random")
	projectDir := flag.String("dir", "", "game directory holding .grimoire/ (defaults to cwd)")
	seed := flag.Int64("seed", 0, "seed for random choices (0 uses the clock)")
	flag.Parse()

	if strings.TrimSpace(*seatID) == "" {
		die("--seat is required")
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	policy, err := loadPolicy(*projectDir, *policyName, *seed)
	if err != nil {
		die("load policy: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	url := strings.TrimRight(*baseURL, "/") + "/seats/" + *seatID
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		die("dial %s: %v", url, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	fmt.Printf("Seated as %s with policy %s.\n", *seatID, *policyName)

	for {
		var env eventbridge.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			die("read: %v", err)
		}
		switch env.Type {
		case participant.MessageActionRequest:
			reply := answer(ctx, policy, *seatID, env)
			if err := conn.WriteJSON(reply); err != nil {
				die("write: %v", err)
			}
			fmt.Printf("%s %s -> %s\n", env.ActionID, env.Category, describe(reply))
		case participant.MessageGameEnd:
			fmt.Printf("Game over: %s\n", string(env.Payload))
			return
		default:
			fmt.Printf("%s %s\n", env.Type, string(env.Payload))
		}
	}
}

func loadPolicy(dir, name string, seed int64) (participant.Policy, error) {
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.NewConfig(abs)
	if err != nil {
		return nil, err
	}
	return plugins.LibraryFromConfig(cfg, seed).Policy(name)
}

// answer runs the policy against one request envelope. Policy failures are
// sent back as error-tagged results so the storyteller is not left waiting.
func answer(ctx context.Context, policy participant.Policy, seat string, req eventbridge.Envelope) eventbridge.Envelope {
	reply := eventbridge.Envelope{
		ID:            uuid.NewString(),
		Type:          eventbridge.TypeActionResult,
		ActionID:      req.ActionID,
		ParticipantID: seat,
		Category:      req.Category,
		SentAt:        time.Now().UTC(),
	}
	var actionContext map[string]any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &actionContext); err != nil {
			reply.Error = fmt.Sprintf("decode context: %v", err)
			return reply
		}
	}
	decision, err := policy.Decide(ctx, participant.Request{
		ActionID:      req.ActionID,
		ParticipantID: seat,
		Category:      req.Category,
		Context:       actionContext,
	})
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	raw, err := json.Marshal(decision)
	if err != nil {
		reply.Error = fmt.Sprintf("encode decision: %v", err)
		return reply
	}
	reply.Payload = raw
	return reply
}

func describe(env eventbridge.Envelope) string {
	if env.Error != "" {
		return "error: " + env.Error
	}
	return string(env.Payload)
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
