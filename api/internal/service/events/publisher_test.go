package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/ws"
)

type captured struct {
	mu     sync.Mutex
	events []Event
}

func (c *captured) Send(p []byte) error {
	var e Event
	if err := json.Unmarshal(p, &e); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captured) Close() {}

func (c *captured) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestPublisherFansOutToRepositoryAndUserTopics(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Stop()
	repoSub, userSub := &captured{}, &captured{}
	hub.Register(ws.Topic("u1", "acme/web"), repoSub)
	hub.Register(ws.Topic("u1", ""), userSub)

	p := New(hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.PublishStep("u1", "acme/web", "run-1", domain.StepResult{Step: domain.StepEnableAPI, Outcome: domain.OutcomeSuccess, Detail: "run.googleapis.com"})
	p.PublishRunFinished("u1", domain.ProvisionRun{ID: "run-1", Repository: "acme/web", Status: domain.RunStatusSucceeded})

	deadline := time.Now().Add(2 * time.Second)
	for (repoSub.len() < 2 || userSub.len() < 2) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if repoSub.len() != 2 || userSub.len() != 2 {
		t.Fatalf("expected 2 events per topic, got %d and %d", repoSub.len(), userSub.len())
	}
	first := repoSub.events[0]
	if first.Type != TypeStep || first.RunID != "run-1" || first.Step == nil || first.Step.Step != domain.StepEnableAPI {
		t.Fatalf("unexpected step event %+v", first)
	}
	last := repoSub.events[1]
	if last.Type != TypeRunFinished || last.Run == nil || last.Run.Status != domain.RunStatusSucceeded {
		t.Fatalf("unexpected finish event %+v", last)
	}
}
