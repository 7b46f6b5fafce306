package ballot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-ballot/backend/internal/model/ballot"
	"github.com/zhouzirui/z-ballot/backend/internal/service/voting"
	"github.com/zhouzirui/z-ballot/backend/pkg/utils"
)

// Engine is the part of the voting controller exposed over HTTP.
type Engine interface {
	CreateSession(ctx context.Context, title, description string, roster []ballot.Member) (ballot.Session, error)
	ListSessions(ctx context.Context) []ballot.SessionSummary
	Open(ctx context.Context, sessionID string, topic ballot.Topic) (voting.OpenResult, error)
	Submit(ctx context.Context, token, choice string) error
	Close(ctx context.Context, sessionID string) (ballot.Tally, error)
	Status(ctx context.Context, sessionID string) (voting.Status, error)
	Ballot(ctx context.Context, token string) (voting.Ballot, error)
}

// Handler 投票服务的HTTP处理器
type Handler struct {
	engine Engine
	logger *slog.Logger
}

// New 创建投票处理器
func New(engine Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

// RegisterRoutes 注册投票相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions", h.handleListSessions)
	r.Get("/sessions/{sessionID}", h.handleStatus)
	r.Post("/sessions/{sessionID}/windows", h.handleOpenWindow)
	r.Post("/sessions/{sessionID}/windows/close", h.handleCloseWindow)
	r.Post("/votes", h.handleSubmitVote)
	r.Post("/ballots/lookup", h.handleBallot)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title       string          `json:"title"`
		Description string          `json:"description"`
		Members     []ballot.Member `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.engine.CreateSession(r.Context(), payload.Title, payload.Description, payload.Members)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"sessionId": session.ID,
		"session":   session,
	})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessions": h.engine.ListSessions(r.Context()),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, status)
}

func (h *Handler) handleOpenWindow(w http.ResponseWriter, r *http.Request) {
	var topic ballot.Topic
	if err := json.NewDecoder(r.Body).Decode(&topic); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.engine.Open(r.Context(), chi.URLParam(r, "sessionID"), topic)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"windowId":     res.Window.ID,
		"windowEndsAt": res.Window.EndsAt.Format(time.RFC3339),
		"window":       res.Window,
		"tokens":       res.Tokens,
	})
}

func (h *Handler) handleCloseWindow(w http.ResponseWriter, r *http.Request) {
	results, err := h.engine.Close(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"results":    results,
		"totalVotes": results.Total(),
	})
}

type votePayload struct {
	Credential string `json:"credential"`
	Choice     string `json:"choice"`
}

// decodeVote accepts JSON or a classic form post with token/choice fields.
func decodeVote(r *http.Request) (votePayload, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var payload votePayload
		err := json.NewDecoder(r.Body).Decode(&payload)
		return payload, err
	}
	if err := r.ParseForm(); err != nil {
		return votePayload{}, err
	}
	credential := r.PostForm.Get("token")
	if credential == "" {
		credential = r.PostForm.Get("credential")
	}
	return votePayload{Credential: credential, Choice: r.PostForm.Get("choice")}, nil
}

func (h *Handler) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeVote(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.engine.Submit(r.Context(), payload.Credential, payload.Choice); err != nil {
		h.respondEngineError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleBallot(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	view, err := h.engine.Ballot(r.Context(), payload.Credential)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, view)
}

// respondEngineError maps engine errors to status codes. Messages for
// participant-facing errors are fixed strings so nothing from the request
// is echoed back.
func (h *Handler) respondEngineError(w http.ResponseWriter, err error) {
	code := voting.ErrorCode(err)
	switch {
	case errors.Is(err, ballot.ErrNotFound):
		utils.RespondErrorCode(w, http.StatusNotFound, code, "not found")
	case errors.Is(err, ballot.ErrAlreadyUsed):
		utils.RespondErrorCode(w, http.StatusConflict, code, "this credential has already been used")
	case errors.Is(err, ballot.ErrExpired):
		utils.RespondErrorCode(w, http.StatusGone, code, "this credential has expired")
	case errors.Is(err, ballot.ErrInvalidState):
		utils.RespondErrorCode(w, http.StatusConflict, code, err.Error())
	case errors.Is(err, ballot.ErrInvalidChoice),
		errors.Is(err, ballot.ErrInvalidRoster),
		errors.Is(err, ballot.ErrInvalidDuration),
		errors.Is(err, ballot.ErrInvalidSession):
		utils.RespondErrorCode(w, http.StatusBadRequest, code, err.Error())
	default:
		h.logger.Error("request failed", "err", err)
		utils.RespondErrorCode(w, http.StatusInternalServerError, code, "internal error")
	}
}
