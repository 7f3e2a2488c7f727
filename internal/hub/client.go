package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/VenkatGGG/testswarm/internal/scheduler"
	"github.com/VenkatGGG/testswarm/internal/worker"
)

// Client speaks the worker side of the protocol. Messages pushed by the
// hub while a request waits for its reply are queued for Next.
type Client struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	pending []Message
	// last is the assignment most recently handed to the caller. An offer
	// that crosses a fetch reaches the worker twice.
	last string
}

func Dial(ctx context.Context, url string) (*Client, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("hub url is required")
	}
	conn, _, err := websocket.Dial(ctx, trimmed, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub websocket: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (c *Client) Register(ctx context.Context, id, userAgent, mode string) (worker.Worker, error) {
	reply, err := c.call(ctx, Message{Type: TypeRegister, ID: id, UserAgent: userAgent, Mode: mode}, TypeRegistered)
	if err != nil {
		return worker.Worker{}, err
	}
	if reply.Worker == nil {
		return worker.Worker{}, errors.New("registered reply without worker")
	}
	return *reply.Worker, nil
}

// Fetch asks for work. It reports false when the hub has nothing for this
// worker; the worker is then ready and may receive an assignment later
// through Next.
func (c *Client) Fetch(ctx context.Context) (scheduler.Claim, bool, error) {
	reply, err := c.call(ctx, Message{Type: TypeFetch}, TypeAssignment, TypeIdle)
	if err != nil {
		return scheduler.Claim{}, false, err
	}
	return c.accept(reply)
}

// Complete reports an outcome and returns whether the hub recorded it.
// The hub follows up with an assignment or idle message, read with Next.
func (c *Client) Complete(ctx context.Context, assignmentID string, outcome scheduler.Outcome) (bool, error) {
	reply, err := c.call(ctx, Message{Type: TypeComplete, AssignmentID: assignmentID, Outcome: &outcome}, TypeAck)
	if err != nil {
		return false, err
	}
	return reply.Recorded, nil
}

// Next returns the next message from the hub, queued ones first.
func (c *Client) Next(ctx context.Context) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) > 0 {
		msg := c.pending[0]
		c.pending = c.pending[1:]
		return msg, nil
	}
	var msg Message
	if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
		return Message{}, fmt.Errorf("read hub message: %w", err)
	}
	return msg, nil
}

// NextClaim waits for an assignment or idle message. A repeat of the
// assignment last returned is skipped.
func (c *Client) NextClaim(ctx context.Context) (scheduler.Claim, bool, error) {
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return scheduler.Claim{}, false, err
		}
		switch msg.Type {
		case TypeAssignment:
			if msg.Assignment != nil && c.repeats(msg.Assignment.AssignmentID) {
				continue
			}
			return c.accept(msg)
		case TypeIdle:
			return claimFrom(msg)
		case TypeError:
			return scheduler.Claim{}, false, fmt.Errorf("hub error: %s", msg.Message)
		}
	}
}

func (c *Client) call(ctx context.Context, request Message, want ...MessageType) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wsjson.Write(ctx, c.conn, request); err != nil {
		return Message{}, fmt.Errorf("write %s message: %w", request.Type, err)
	}

	for {
		var msg Message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			return Message{}, fmt.Errorf("read %s reply: %w", request.Type, err)
		}
		if msg.Type == TypeError {
			return Message{}, fmt.Errorf("hub rejected %s: %s", request.Type, msg.Message)
		}
		for _, expected := range want {
			if msg.Type == expected {
				return msg, nil
			}
		}
		c.pending = append(c.pending, msg)
	}
}

func (c *Client) repeats(assignmentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return assignmentID != "" && assignmentID == c.last
}

func (c *Client) accept(msg Message) (scheduler.Claim, bool, error) {
	claim, ok, err := claimFrom(msg)
	if ok {
		c.mu.Lock()
		c.last = claim.AssignmentID
		c.mu.Unlock()
	}
	return claim, ok, err
}

func claimFrom(msg Message) (scheduler.Claim, bool, error) {
	if msg.Type == TypeIdle {
		return scheduler.Claim{}, false, nil
	}
	if msg.Assignment == nil {
		return scheduler.Claim{}, false, errors.New("assignment message without assignment")
	}
	return *msg.Assignment, true, nil
}
