package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/VenkatGGG/testswarm/internal/jobstore"
	"github.com/VenkatGGG/testswarm/internal/scheduler"
	"github.com/VenkatGGG/testswarm/internal/worker"
)

const (
	defaultPingInterval    = 20 * time.Second
	defaultRegisterTimeout = 10 * time.Second
	writeTimeout           = 10 * time.Second
	readLimit              = 4 << 20
)

var ErrWorkerOffline = errors.New("worker is not connected")

// Scheduler is the part of the scheduler the hub drives.
type Scheduler interface {
	Claim(ctx context.Context, w worker.Worker) (scheduler.Claim, bool, error)
	Complete(ctx context.Context, assignmentID string, w worker.Worker, outcome scheduler.Outcome) (jobstore.Assignment, bool, error)
}

type Options struct {
	PingInterval    time.Duration
	RegisterTimeout time.Duration
	// OriginPatterns is passed to websocket.Accept. Empty accepts any origin.
	OriginPatterns []string
}

// Hub terminates worker websockets and implements scheduler.Dispatcher.
type Hub struct {
	sched   Scheduler
	workers *worker.Registry
	logger  *zap.Logger
	opts    Options

	mu    sync.RWMutex
	conns map[string]*conn
}

type conn struct {
	ws       *websocket.Conn
	workerID string
	writeMu  sync.Mutex

	heldMu sync.Mutex
	held   *scheduler.Claim
}

func New(sched Scheduler, workers *worker.Registry, logger *zap.Logger, opts Options) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = defaultRegisterTimeout
	}
	h := &Hub{
		sched:   sched,
		workers: workers,
		logger:  logger,
		opts:    opts,
		conns:   make(map[string]*conn),
	}
	if workers != nil {
		workers.OnReap(h.evict)
	}
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accept := &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns}
	if len(h.opts.OriginPatterns) == 0 {
		accept.InsecureSkipVerify = true
	}
	ws, err := websocket.Accept(w, r, accept)
	if err != nil {
		h.logger.Warn("worker websocket accept failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(readLimit)

	c := &conn{ws: ws}
	if err := h.serve(r.Context(), c); err != nil {
		h.logger.Debug("worker connection closed", zap.String("worker_id", c.workerID), zap.Error(err))
	}
}

// Connected returns the number of live worker connections.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Dispatch pushes an offered assignment to a connected worker.
func (h *Hub) Dispatch(ctx context.Context, workerID string, claim scheduler.Claim) error {
	h.mu.RLock()
	c, ok := h.conns[workerID]
	h.mu.RUnlock()
	if !ok {
		return ErrWorkerOffline
	}
	c.hold(claim)
	return c.send(ctx, Message{Type: TypeAssignment, Assignment: &claim})
}

// evict closes the connection of a worker the registry reaped.
func (h *Hub) evict(_ context.Context, workerID string) {
	h.mu.RLock()
	c, ok := h.conns[workerID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.logger.Info("closing reaped worker connection", zap.String("worker_id", workerID))
	go func() {
		_ = c.ws.Close(websocket.StatusPolicyViolation, "worker timed out")
	}()
}

func (h *Hub) serve(parent context.Context, c *conn) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := h.register(ctx, c); err != nil {
		_ = c.ws.Close(websocket.StatusPolicyViolation, err.Error())
		return err
	}
	defer h.disconnect(c)

	go h.keepAlive(ctx, cancel, c)

	for {
		var msg Message
		if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
			return err
		}
		h.workers.Touch(c.workerID)

		switch msg.Type {
		case TypeFetch, TypeReady:
			if err := h.next(ctx, c); err != nil {
				return err
			}
		case TypeComplete:
			if err := h.complete(ctx, c, msg); err != nil {
				return err
			}
		case TypeRegister:
			if err := c.send(ctx, errorMessage("worker is already registered")); err != nil {
				return err
			}
		default:
			if err := c.send(ctx, errorMessage(fmt.Sprintf("unknown message type %q", msg.Type))); err != nil {
				return err
			}
		}
	}
}

func (h *Hub) register(ctx context.Context, c *conn) error {
	registerCtx, cancel := context.WithTimeout(ctx, h.opts.RegisterTimeout)
	defer cancel()

	var msg Message
	if err := wsjson.Read(registerCtx, c.ws, &msg); err != nil {
		return fmt.Errorf("read register message: %w", err)
	}
	if msg.Type != TypeRegister {
		_ = c.send(ctx, errorMessage("first message must be register"))
		return fmt.Errorf("expected register message, got %q", msg.Type)
	}

	registered, err := h.workers.Register(ctx, worker.RegisterInput{
		ID:        msg.ID,
		UserAgent: msg.UserAgent,
		Mode:      msg.Mode,
	})
	if err != nil {
		_ = c.send(ctx, errorMessage(err.Error()))
		return fmt.Errorf("register worker: %w", err)
	}
	c.workerID = registered.ID

	h.mu.Lock()
	previous := h.conns[registered.ID]
	h.conns[registered.ID] = c
	h.mu.Unlock()
	if previous != nil {
		_ = previous.ws.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	}

	return c.send(ctx, Message{Type: TypeRegistered, Worker: &registered})
}

// next claims work for the worker, or marks it ready when there is none. A
// worker that still holds an unreported assignment gets that one again.
func (h *Hub) next(ctx context.Context, c *conn) error {
	current, ok, err := h.workers.BeginClaim(c.workerID)
	if err != nil {
		return c.send(ctx, errorMessage(err.Error()))
	}
	if !ok {
		// An offer holds the claim slot; it dispatches to this worker or
		// returns it to ready.
		return c.send(ctx, Message{Type: TypeIdle})
	}

	if held := c.heldClaim(); held != nil {
		h.workers.EndClaim(ctx, current.ID, false)
		return c.send(ctx, Message{Type: TypeAssignment, Assignment: held})
	}

	claim, ok, err := h.sched.Claim(ctx, current)
	if err != nil {
		h.workers.EndClaim(ctx, current.ID, false)
		h.logger.Warn("claim failed", zap.String("worker_id", current.ID), zap.Error(err))
		return c.send(ctx, errorMessage("could not claim an assignment"))
	}
	if !ok {
		h.workers.EndClaim(ctx, current.ID, true)
		return c.send(ctx, Message{Type: TypeIdle})
	}
	c.hold(claim)
	h.workers.EndClaim(ctx, current.ID, false)
	return c.send(ctx, Message{Type: TypeAssignment, Assignment: &claim})
}

func (h *Hub) complete(ctx context.Context, c *conn, msg Message) error {
	if msg.AssignmentID == "" || msg.Outcome == nil {
		return c.send(ctx, errorMessage("complete requires assignment_id and outcome"))
	}
	current, err := h.workers.Get(c.workerID)
	if err != nil {
		return c.send(ctx, errorMessage(err.Error()))
	}

	_, recorded, err := h.sched.Complete(ctx, msg.AssignmentID, current, *msg.Outcome)
	c.release(msg.AssignmentID)
	if err != nil {
		h.logger.Warn("complete failed",
			zap.String("worker_id", current.ID),
			zap.String("assignment_id", msg.AssignmentID),
			zap.Error(err),
		)
		return c.send(ctx, errorMessage("could not record the result"))
	}
	if err := c.send(ctx, Message{Type: TypeAck, AssignmentID: msg.AssignmentID, Recorded: recorded}); err != nil {
		return err
	}
	return h.next(ctx, c)
}

func (h *Hub) keepAlive(ctx context.Context, cancel context.CancelFunc, c *conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pingCtx)
			cancelPing()
			if err != nil {
				cancel()
				return
			}
			h.workers.Touch(c.workerID)
		}
	}
}

// disconnect drops the worker. Its PENDING assignments are left for the
// timeout rule.
func (h *Hub) disconnect(c *conn) {
	h.mu.Lock()
	current, ok := h.conns[c.workerID]
	owned := ok && current == c
	if owned {
		delete(h.conns, c.workerID)
	}
	h.mu.Unlock()

	if owned {
		h.workers.Unregister(context.Background(), c.workerID)
	}
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *conn) hold(claim scheduler.Claim) {
	c.heldMu.Lock()
	c.held = &claim
	c.heldMu.Unlock()
}

func (c *conn) heldClaim() *scheduler.Claim {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	if c.held == nil {
		return nil
	}
	held := *c.held
	return &held
}

func (c *conn) release(assignmentID string) {
	c.heldMu.Lock()
	if c.held != nil && c.held.AssignmentID == assignmentID {
		c.held = nil
	}
	c.heldMu.Unlock()
}

func (c *conn) send(ctx context.Context, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, c.ws, msg); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}
