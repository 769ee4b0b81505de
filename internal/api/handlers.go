package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/post-scheduler/internal/apperr"
	"github.com/LeventeLantos/post-scheduler/internal/connectivity"
	"github.com/LeventeLantos/post-scheduler/internal/governor"
	"github.com/LeventeLantos/post-scheduler/internal/model"
	"github.com/LeventeLantos/post-scheduler/internal/offline"
	"github.com/LeventeLantos/post-scheduler/internal/repo"
	"github.com/LeventeLantos/post-scheduler/internal/scheduler"
	"github.com/LeventeLantos/post-scheduler/internal/service"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type Deps struct {
	Scheduler    *scheduler.Scheduler
	Coordinator  *service.Coordinator
	Posts        repo.PostRepository
	Governor     *governor.Governor
	Buffer       *offline.Buffer
	Replayer     offline.Replayer
	Connectivity *connectivity.Monitor
}

type Handler struct {
	sched    *scheduler.Scheduler
	coord    *service.Coordinator
	posts    repo.PostRepository
	gov      *governor.Governor
	buffer   *offline.Buffer
	replayer offline.Replayer
	conn     *connectivity.Monitor
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		sched:    d.Scheduler,
		coord:    d.Coordinator,
		posts:    d.Posts,
		gov:      d.Governor,
		buffer:   d.Buffer,
		replayer: d.Replayer,
		conn:     d.Connectivity,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "online": h.conn.Online()})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"running":  h.sched.IsRunning(),
		"interval": h.sched.Interval().String(),
	}
	if info, ok := h.sched.LastTick(); ok {
		resp["lastTick"] = info
	}
	if sum, ok := h.coord.LastSummary(); ok {
		resp["lastSummary"] = sum
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerTick(w http.ResponseWriter, r *http.Request) {
	info := h.sched.Trigger(r.Context())
	resp := map[string]any{"tick": info}
	if sum, ok := h.coord.LastSummary(); ok {
		resp["summary"] = sum
	}
	writeJSON(w, http.StatusOK, resp)
}

type createPostRequest struct {
	Content      string    `json:"content" validate:"required"`
	ScheduledFor time.Time `json:"scheduledFor" validate:"required"`
}

// CreatePost enqueues a post. When the store itself is failing the request
// is buffered for replay and answered with 202.
func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.posts.Enqueue(r.Context(), req.Content, req.ScheduledFor)
	if err == nil {
		writeJSON(w, http.StatusCreated, p)
		return
	}
	if errors.Is(err, apperr.ErrValidation) {
		writeError(w, err)
		return
	}

	slog.Warn("queue store unavailable, buffering schedule request", "error", err)
	scheduledFor := req.ScheduledFor
	a, perr := h.buffer.Push(r.Context(), model.ActionSchedule, model.ActionPayload{
		Content:      req.Content,
		ScheduledFor: &scheduledFor,
	})
	if perr != nil {
		writeError(w, errors.Join(err, perr))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"buffered": true, "action": a})
}

func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, apperr.Validation("unknown status %q", status))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.posts.List(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []model.ScheduledPost{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	p, err := h.posts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdatePostContent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.posts.UpdateContent(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdatePostStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status       model.Status `json:"status" validate:"required"`
		RemoteID     string       `json:"remoteId"`
		ErrorMessage string       `json:"errorMessage"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.posts.UpdateStatus(r.Context(), r.PathValue("id"), model.StatusUpdate{
		Status:       req.Status,
		RemoteID:     req.RemoteID,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := h.posts.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.NotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) DeleteAllPosts(w http.ResponseWriter, r *http.Request) {
	confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))

	res, err := h.coord.DeleteAll(r.Context(), confirmed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) RateLimits(w http.ResponseWriter, r *http.Request) {
	tier := h.gov.Tier()
	budgets := make(map[model.Kind][]model.RateBudget, len(tier.Limits))
	for kind := range tier.Limits {
		b, err := h.gov.Budgets(r.Context(), kind)
		if err != nil {
			writeError(w, err)
			return
		}
		budgets[kind] = b
	}
	writeJSON(w, http.StatusOK, map[string]any{"tier": tier.Name, "budgets": budgets})
}

func (h *Handler) ListOffline(w http.ResponseWriter, r *http.Request) {
	items, err := h.buffer.Pending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []model.OfflineAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"maxAttempts": h.buffer.MaxAttempts(),
		"online":      h.conn.Online(),
	})
}

func (h *Handler) FlushOffline(w http.ResponseWriter, r *http.Request) {
	res, err := h.buffer.Flush(r.Context(), h.replayer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.buffer.DeadLetters(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []model.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// SetConnectivity accepts a network-status signal from the client side.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	changed := h.conn.Set(*req.Online)
	writeJSON(w, http.StatusOK, map[string]any{"online": h.conn.Online(), "changed": changed})
}

// decodeBody reads a JSON body into v and checks its validate tags.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, apperr.Validation("invalid JSON body: %v", err))
		return false
	}

	err := validate.Struct(v)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, apperr.Validation("invalid request: %v", err))
		return false
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" "+fe.Tag())
	}
	writeError(w, apperr.Validation("invalid request: %s", strings.Join(fields, ", ")))
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrConfirmationRequired):
		return http.StatusPreconditionRequired
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
