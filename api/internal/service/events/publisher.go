// Package events publishes saga progress to streaming subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/ws"
)

// Event types.
const (
	TypeStep        = "step"
	TypeRunFinished = "run_finished"
)

// Event is the streamed payload.
type Event struct {
	Type       string               `json:"type"`
	RunID      string               `json:"run_id"`
	Repository string               `json:"repository"`
	Step       *domain.StepResult   `json:"step,omitempty"`
	Run        *domain.ProvisionRun `json:"run,omitempty"`
	SentAt     time.Time            `json:"sent_at"`
}

// Publisher broadcasts saga events on the hub. Each event goes to the
// repository topic and to the user's catch-all topic.
type Publisher struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a Publisher.
func New(hub *ws.Hub, logger *slog.Logger) Publisher {
	return Publisher{hub: hub, logger: logger}
}

// Hub returns the underlying hub for HTTP handlers.
func (p Publisher) Hub() *ws.Hub {
	return p.hub
}

// PublishStep streams one saga step.
func (p Publisher) PublishStep(userID, repository, runID string, step domain.StepResult) {
	p.publish(userID, Event{Type: TypeStep, RunID: runID, Repository: repository, Step: &step})
}

// PublishRunFinished streams the final run summary.
func (p Publisher) PublishRunFinished(userID string, run domain.ProvisionRun) {
	p.publish(userID, Event{Type: TypeRunFinished, RunID: run.ID, Repository: run.Repository, Run: &run})
}

func (p Publisher) publish(userID string, event Event) {
	event.SentAt = time.Now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to marshal saga event", "error", err)
		return
	}
	p.hub.Broadcast(ws.Topic(userID, event.Repository), data)
	if event.Repository != "" {
		p.hub.Broadcast(ws.Topic(userID, ""), data)
	}
}
