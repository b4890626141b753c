// Package gateway is C8: the HTTP boundary over the task lifecycle
// engine. It keeps the teacher's Server/middleware-chain shape
// (NewServer wiring CORS, auth, rate limiting, request-size limits
// around a plain net/http.ServeMux) but replaces the chat-agent RPC
// dispatch with spec.md §4's task operations: submit, get, cancel,
// resumable event stream, receipt.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/config"
	"github.com/axonstream/axonstream/internal/identity"
	"github.com/axonstream/axonstream/internal/lifecycle"
	"github.com/axonstream/axonstream/internal/quota"
	"github.com/axonstream/axonstream/internal/receipt"
	"github.com/axonstream/axonstream/internal/store"
	"github.com/axonstream/axonstream/internal/stream"
)

// EventReader is the narrow store surface handleTaskEvents needs to
// bridge cursors below the stream buffer's retained floor, including the
// snapshot lookup that bridges a cursor compaction has retired entirely.
type EventReader interface {
	EventRange(ctx context.Context, taskID string, fromSeq int64, limit int) ([]store.Event, error)
	LatestSnapshot(ctx context.Context, taskID string) (*store.Snapshot, error)
}

// TaskLookup is the narrow store surface shared by the task-get and
// event-stream handlers.
type TaskLookup interface {
	GetTask(ctx context.Context, tenantID, id string) (store.Task, error)
}

// Config bundles every collaborator the gateway wires into its
// middleware chain and route handlers.
type Config struct {
	Engine     *lifecycle.Engine
	Tasks      TaskLookup
	EventStore EventReader
	Buffer     *stream.Buffer
	Quota      *quota.Gate
	Receipts   *receipt.Service
	Auth       *identity.Authenticator
	CORS       config.CORSConfig

	MaxBodyBytes      int64
	BackfillWindow    int
	KeepaliveInterval time.Duration

	PlanOf func(tenantID string) store.Plan

	Logger *slog.Logger
}

// Server is the gateway's http.Handler: a ServeMux wrapped in the
// CORS -> size-limit -> auth -> rate-limit middleware chain, matching
// the teacher's NewServer wiring order.
type Server struct {
	engine     *lifecycle.Engine
	tasks      TaskLookup
	eventStore EventReader
	buf        *stream.Buffer
	receipts   *receipt.Service
	logger     *slog.Logger

	backfillWindow    int
	keepaliveInterval time.Duration

	mux     *http.ServeMux
	handler http.Handler
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backfill := cfg.BackfillWindow
	if backfill <= 0 {
		backfill = 256
	}
	keepalive := cfg.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}

	s := &Server{
		engine:            cfg.Engine,
		tasks:             cfg.Tasks,
		eventStore:        cfg.EventStore,
		buf:               cfg.Buffer,
		receipts:          cfg.Receipts,
		logger:            logger,
		backfillWindow:    backfill,
		keepaliveInterval: keepalive,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/tasks", s.handleTasksCollection)
	mux.HandleFunc("/v1/tasks/", s.handleTasksResource)
	s.mux = mux

	auth := NewAuthMiddleware(cfg.Auth)
	rateLimit := NewRateLimitMiddleware(cfg.Quota, cfg.PlanOf)

	var handler http.Handler = mux
	handler = rateLimit.Wrap(handler)
	handler = auth.Wrap(handler)
	handler = RequestSizeLimitMiddleware(cfg.MaxBodyBytes)(handler)
	handler = NewCORSMiddleware(cfg.CORS)(handler)
	s.handler = handler

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitTaskRequest struct {
	Name           string         `json:"name"`
	Adapter        string         `json:"adapter"`
	Args           map[string]any `json:"args"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Priority       int            `json:"priority"`
}

// handleTasksCollection implements POST /v1/tasks.
func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.CodeValidationError, "method not allowed"))
		return
	}

	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, apierr.New(apierr.CodeUnauthorized, "no identity on request"))
		return
	}
	if !id.HasScope("tasks:write") {
		writeError(w, apierr.New(apierr.CodeForbidden, "missing scope tasks:write"))
		return
	}

	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeValidationError, "invalid request body", err))
		return
	}

	task, err := s.engine.SubmitTask(r.Context(), lifecycle.SubmitRequest{
		TenantID:       id.TenantID,
		CreatedBy:      id.UserID,
		APIKeyID:       id.UserID,
		Name:           req.Name,
		AdapterName:    req.Adapter,
		Args:           req.Args,
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       req.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskDTOFrom(task))
}

// handleTasksResource dispatches /v1/tasks/{id}[/cancel|/events|/receipt].
func (s *Server) handleTasksResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		writeError(w, apierr.New(apierr.CodeValidationError, "task id required"))
		return
	}

	var sub string
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		s.handleGetTask(w, r, taskID)
	case "cancel":
		s.handleCancelTask(w, r, taskID)
	case "events":
		s.handleTaskEvents(w, r, taskID)
	case "receipt":
		s.handleGetReceipt(w, r, taskID)
	default:
		writeError(w, apierr.New(apierr.CodeNotFound, "unknown task sub-resource"))
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.CodeValidationError, "method not allowed"))
		return
	}
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, apierr.New(apierr.CodeUnauthorized, "no identity on request"))
		return
	}
	task, err := s.engine.GetTask(r.Context(), id.TenantID, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskDTOFrom(task))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.CodeValidationError, "method not allowed"))
		return
	}
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, apierr.New(apierr.CodeUnauthorized, "no identity on request"))
		return
	}
	if !id.HasScope("tasks:write") {
		writeError(w, apierr.New(apierr.CodeForbidden, "missing scope tasks:write"))
		return
	}
	task, err := s.engine.CancelTask(r.Context(), id.TenantID, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := cancelTaskResponse{State: string(task.State)}
	if task.EndedAt.Valid {
		resp.CanceledAt = &task.EndedAt.String
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// cancelTaskResponse is the CancelTask output contract from spec.md §6:
// {state, canceled_at}. CanceledAt is only set once the task has
// actually reached Canceled — a Running task's worker hasn't observed
// the intent flag yet, so cancellation is still pending.
type cancelTaskResponse struct {
	State      string  `json:"state"`
	CanceledAt *string `json:"canceled_at,omitempty"`
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.CodeValidationError, "method not allowed"))
		return
	}
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, apierr.New(apierr.CodeUnauthorized, "no identity on request"))
		return
	}
	rcpt, err := s.receipts.GetReceipt(r.Context(), id.TenantID, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// taskDTO is the JSON-safe projection of store.Task: sql.Null* fields
// collapse to plain pointer fields a client can decode without
// importing database/sql.
type taskDTO struct {
	ID              string  `json:"id"`
	TenantID        string  `json:"tenant_id"`
	Name            string  `json:"name"`
	AdapterName     string  `json:"adapter"`
	State           string  `json:"state"`
	Priority        int     `json:"priority"`
	TimeoutSeconds  int     `json:"timeout_seconds"`
	CreatedAt       string  `json:"created_at"`
	StartedAt       *string `json:"started_at,omitempty"`
	EndedAt         *string `json:"ended_at,omitempty"`
	Cursor          int64   `json:"cursor"`
	BytesStreamed   int64   `json:"bytes_streamed"`
	MinutesUsed     float64 `json:"minutes_used"`
	Error           *string `json:"error,omitempty"`
	ExitCode        *int64  `json:"exit_code,omitempty"`
	CancelRequested bool    `json:"cancel_requested"`
}

func taskDTOFrom(t store.Task) taskDTO {
	dto := taskDTO{
		ID:              t.ID,
		TenantID:        t.TenantID,
		Name:            t.Name,
		AdapterName:     t.AdapterName,
		State:           string(t.State),
		Priority:        t.Priority,
		TimeoutSeconds:  t.TimeoutSeconds,
		CreatedAt:       t.CreatedAt,
		Cursor:          t.Cursor,
		BytesStreamed:   t.BytesStreamed,
		MinutesUsed:     t.MinutesUsed,
		CancelRequested: t.CancelRequested,
	}
	if t.StartedAt.Valid {
		dto.StartedAt = &t.StartedAt.String
	}
	if t.EndedAt.Valid {
		dto.EndedAt = &t.EndedAt.String
	}
	if t.Error.Valid {
		dto.Error = &t.Error.String
	}
	if t.ExitCode.Valid {
		dto.ExitCode = &t.ExitCode.Int64
	}
	return dto
}
