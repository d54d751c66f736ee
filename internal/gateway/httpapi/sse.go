package httpapi

import (
	"time"

	"github.com/jkaninda/okapi"
)

// SSEEvent represents a server-sent event on the task event stream.
type SSEEvent struct {
	Type           string `json:"type,omitempty"`   // "status", "done", "error"
	Status         string `json:"status,omitempty"` // Task status for status events.
	Error          string `json:"error,omitempty"`  // Task error for failed tasks.
	CommitHash     string `json:"commit_hash,omitempty"`
	PullRequestURL string `json:"pull_request_url,omitempty"`
}

// statusPollInterval is how often the event stream re-reads the task.
const statusPollInterval = 2 * time.Second

// handleTaskEvents handles GET /v1/tasks/{id}/events with SSE responses.
// Emits one event per status transition and closes after the task reaches
// a terminal state.
func (g *Gateway) handleTaskEvents(c *okapi.Context) error {
	owner := c.GetString("owner")
	if owner == "" {
		return c.AbortUnauthorized("Unauthorized")
	}

	task, err := g.ownedTask(c, owner)
	if task == nil {
		return err
	}

	last := ""
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		if string(task.Status) != last {
			last = string(task.Status)
			c.SSEvent("status", SSEEvent{Type: "status", Status: last, Error: task.Error})
		}
		if task.Status.Terminal() {
			c.SSEvent("done", SSEEvent{
				Type:           "done",
				Status:         last,
				CommitHash:     task.CommitHash,
				PullRequestURL: task.PullRequestURL,
			})
			return nil
		}

		select {
		case <-c.Context().Done():
			return nil
		case <-ticker.C:
		}

		task, err = g.store.GetTask(c.Context(), task.ID, owner)
		if err != nil {
			c.SSEvent("error", SSEEvent{Type: "error", Error: "task lookup failed"})
			return nil
		}
	}
}
