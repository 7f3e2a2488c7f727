// Package events fans scheduler and registry changes out to observers such
// as dashboards. Event names are the wire contract.
package events

import (
	"context"
	"encoding/json"
	"time"
)

type Name string

const (
	JobCreate      Name = "job:create"
	JobUpdate      Name = "job:update"
	JobComplete    Name = "job:complete"
	JobDelete      Name = "job:delete"
	TasksAdd       Name = "tasks:add"
	TasksRemove    Name = "tasks:remove"
	BrowsersChange Name = "browsers:change"
	ClientChange   Name = "client:change"
)

type Event struct {
	Name      Name            `json:"name"`
	JobID     string          `json:"job_id,omitempty"`
	BrowserID string          `json:"browser_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
}

// New builds an event stamped with the current time. A data value that
// cannot be encoded is left out.
func New(name Name, jobID, browserID string, data any) Event {
	ev := Event{
		Name:      name,
		JobID:     jobID,
		BrowserID: browserID,
		At:        time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
