package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/gateway"
)

// maxCommandBytes bounds the body of a shard command request.
const maxCommandBytes = 64 << 10

// ShardController is the part of the gateway supervisor the HTTP API uses.
type ShardController interface {
	Status() []gateway.ShardStatus
	ShardStatus(shard int) (gateway.ShardStatus, error)
	Restart(shard int) error
	Send(ctx context.Context, shard int, cmd gateway.Command) error
}

// ShardHandler serves /shards.
type ShardHandler struct {
	shards ShardController
}

// NewShardHandler creates a ShardHandler.
func NewShardHandler(shards ShardController) *ShardHandler {
	return &ShardHandler{shards: shards}
}

// Routes mounts the shard endpoints on r.
func (h *ShardHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{shard}", h.Get)
	r.Post("/{shard}/restart", h.Restart)
	r.Post("/{shard}/commands", h.Send)
}

// ShardsResponse is the body of GET /shards.
type ShardsResponse struct {
	Shards []gateway.ShardStatus `json:"shards"`
	Ready  int                   `json:"ready"`
	Total  int                   `json:"total"`
}

// List reports every shard of this process.
func (h *ShardHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses := h.shards.Status()
	resp := ShardsResponse{Shards: statuses, Total: len(statuses)}
	for _, st := range statuses {
		if st.State == gateway.StateReady {
			resp.Ready++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get reports one shard.
func (h *ShardHandler) Get(w http.ResponseWriter, r *http.Request) {
	shard, ok := shardParam(w, r)
	if !ok {
		return
	}
	st, err := h.shards.ShardStatus(shard)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Restart brings a shard stopped on a fatal error back up.
func (h *ShardHandler) Restart(w http.ResponseWriter, r *http.Request) {
	shard, ok := shardParam(w, r)
	if !ok {
		return
	}
	if err := h.shards.Restart(shard); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"shard": shard, "restarting": true})
}

// CommandRequest is the body of POST /shards/{shard}/commands.
type CommandRequest struct {
	Op   gateway.Opcode  `json:"op"`
	Data json.RawMessage `json:"d"`
}

// Send writes a command on a Ready shard. Only the opcodes a client may
// send are accepted.
func (h *ShardHandler) Send(w http.ResponseWriter, r *http.Request) {
	shard, ok := shardParam(w, r)
	if !ok {
		return
	}

	var req CommandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "command body must be {\"op\":...,\"d\":...}"))
		return
	}
	switch req.Op {
	case gateway.OpPresenceUpdate, gateway.OpVoiceStateUpdate, gateway.OpRequestGuildMembers:
	default:
		respondWithError(w, r, apperrors.NewInvalidInputError(fmt.Sprintf("opcode %d cannot be sent through the API", req.Op)))
		return
	}

	if err := h.shards.Send(r.Context(), shard, gateway.Command{Op: req.Op, Data: req.Data}); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"shard": shard, "op": req.Op})
}

func shardParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "shard")
	shard, err := strconv.Atoi(raw)
	if err != nil || shard < 0 {
		respondWithError(w, r, apperrors.NewInvalidInputError("shard must be a non-negative integer, got "+strconv.Quote(raw)))
		return 0, false
	}
	return shard, true
}

// ShardsChecker reports unhealthy while any shard is down on a fatal error
// and degraded while some shards are not Ready.
type ShardsChecker struct {
	Shards ShardController
}

func (c ShardsChecker) CheckHealth(context.Context) error {
	statuses := c.Shards.Status()
	if len(statuses) == 0 {
		return fmt.Errorf("%w: no shards started", ErrDegraded)
	}
	notReady := 0
	for _, st := range statuses {
		if st.Down {
			return fmt.Errorf("shard %d is down: %s", st.Shard.Index, st.LastError)
		}
		if st.State != gateway.StateReady {
			notReady++
		}
	}
	if notReady > 0 {
		return fmt.Errorf("%w: %d of %d shards not ready", ErrDegraded, notReady, len(statuses))
	}
	return nil
}
