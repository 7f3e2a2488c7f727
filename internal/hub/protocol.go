package hub

import (
	"github.com/VenkatGGG/testswarm/internal/scheduler"
	"github.com/VenkatGGG/testswarm/internal/worker"
)

type MessageType string

// Sent by workers.
const (
	TypeRegister MessageType = "register"
	TypeFetch    MessageType = "fetch"
	TypeComplete MessageType = "complete"
	TypeReady    MessageType = "ready"
)

// Sent by the hub.
const (
	TypeRegistered MessageType = "registered"
	TypeAssignment MessageType = "assignment"
	TypeIdle       MessageType = "idle"
	TypeAck        MessageType = "ack"
	TypeError      MessageType = "error"
)

// Message is the single envelope used in both directions. Only the fields
// relevant to Type are set.
type Message struct {
	Type MessageType `json:"type"`

	ID        string `json:"id,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Mode      string `json:"mode,omitempty"`

	AssignmentID string             `json:"assignment_id,omitempty"`
	Outcome      *scheduler.Outcome `json:"outcome,omitempty"`
	Recorded     bool               `json:"recorded,omitempty"`

	Worker     *worker.Worker   `json:"worker,omitempty"`
	Assignment *scheduler.Claim `json:"assignment,omitempty"`
	Message    string           `json:"message,omitempty"`
}

func errorMessage(text string) Message {
	return Message{Type: TypeError, Message: text}
}
