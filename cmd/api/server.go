package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Gilbert4525/arcc-sub000/notify"
	"github.com/Gilbert4525/arcc-sub000/scheduler"
	"github.com/Gilbert4525/arcc-sub000/voting"
)

type checker interface {
	CheckNow(ctx context.Context, itemType voting.ItemType, itemID string, force bool) (scheduler.CheckResult, error)
}

type engine interface {
	Lookup(ctx context.Context, itemType voting.ItemType, itemID string) (voting.VotingItem, error)
	OnChange(ctx context.Context, itemID string) (voting.Result, error)
	Reevaluate(ctx context.Context, itemID string) (voting.CompletionEvent, error)
}

type dispatcher interface {
	Resend(ctx context.Context, ev voting.CompletionEvent) (notify.Report, error)
	Record(ctx context.Context, itemType voting.ItemType, itemID string) (notify.Record, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the admin and trigger endpoints.
type Server struct {
	checker    checker
	engine     engine
	dispatcher dispatcher
	db         pinger
	logger     *slog.Logger
}

func NewServer(c checker, e engine, d dispatcher, db pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{checker: c, engine: e, dispatcher: d, db: db, logger: logger}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/admin/voting/{type}/{id}/check", s.handleCheckNow)
	mux.HandleFunc("POST /api/admin/voting/{type}/{id}/resend", s.handleResend)
	mux.HandleFunc("POST /api/voting/{type}/{id}/ballot-changed", s.handleBallotChanged)
	mux.HandleFunc("GET /api/voting/{type}/{id}/dispatch", s.handleDispatchRecord)
	return mux
}

type tallyResponse struct {
	Total   int `json:"total"`
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
	Abstain int `json:"abstain"`
}

type eventResponse struct {
	ID                 string        `json:"id"`
	Outcome            string        `json:"outcome"`
	Reason             string        `json:"reason"`
	Tally              tallyResponse `json:"tally"`
	EligibleVoterCount int           `json:"eligible_voter_count"`
	CompletedAt        string        `json:"completed_at"`
}

type outcomeResponse struct {
	RecipientID string `json:"recipient_id"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
	Forced      bool   `json:"forced"`
}

type reportResponse struct {
	Skipped  bool              `json:"skipped"`
	Forced   bool              `json:"forced"`
	Failed   int               `json:"failed"`
	Outcomes []outcomeResponse `json:"outcomes"`
}

type checkResponse struct {
	ItemID       string          `json:"item_id"`
	ItemType     string          `json:"item_type"`
	Status       string          `json:"status"`
	Transitioned bool            `json:"transitioned"`
	Skipped      string          `json:"skipped,omitempty"`
	Forced       bool            `json:"forced"`
	Event        *eventResponse  `json:"event,omitempty"`
	Report       *reportResponse `json:"report,omitempty"`
}

type recordResponse struct {
	ItemID       string            `json:"item_id"`
	ItemType     string            `json:"item_type"`
	Status       string            `json:"status"`
	SentAt       *string           `json:"sent_at,omitempty"`
	ForcedCount  int               `json:"forced_count"`
	LastForcedAt *string           `json:"last_forced_at,omitempty"`
	Outcomes     []outcomeResponse `json:"outcomes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	itemType, itemID, ok := pathItem(w, r)
	if !ok {
		return
	}
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		force = v
	}

	res, err := s.checker.CheckNow(r.Context(), itemType, itemID, force)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	status := res.Item.Status
	if res.Result.Transitioned && res.Result.Event != nil {
		status = res.Result.Event.Outcome
	}
	resp := checkResponse{
		ItemID:       itemID,
		ItemType:     string(itemType),
		Status:       string(status),
		Transitioned: res.Result.Transitioned,
		Skipped:      string(res.Result.Skipped),
		Forced:       res.Forced,
		Event:        toEventResponse(res.Result.Event),
		Report:       toReportResponse(res.Report),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	itemType, itemID, ok := pathItem(w, r)
	if !ok {
		return
	}
	item, err := s.engine.Lookup(r.Context(), itemType, itemID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	ev, err := s.engine.Reevaluate(r.Context(), item.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	rep, err := s.dispatcher.Resend(r.Context(), ev)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{
		ItemID:   itemID,
		ItemType: string(itemType),
		Status:   string(item.Status),
		Forced:   true,
		Event:    toEventResponse(&ev),
		Report:   toReportResponse(&rep),
	})
}

func (s *Server) handleBallotChanged(w http.ResponseWriter, r *http.Request) {
	itemType, itemID, ok := pathItem(w, r)
	if !ok {
		return
	}
	if _, err := s.engine.Lookup(r.Context(), itemType, itemID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	res, err := s.engine.OnChange(r.Context(), itemID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Transitioned {
		status = http.StatusAccepted
	}
	writeJSON(w, status, checkResponse{
		ItemID:       itemID,
		ItemType:     string(itemType),
		Transitioned: res.Transitioned,
		Skipped:      string(res.Skipped),
		Event:        toEventResponse(res.Event),
	})
}

func (s *Server) handleDispatchRecord(w http.ResponseWriter, r *http.Request) {
	itemType, itemID, ok := pathItem(w, r)
	if !ok {
		return
	}
	rec, err := s.dispatcher.Record(r.Context(), itemType, itemID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := recordResponse{
		ItemID:       rec.ItemID,
		ItemType:     string(rec.ItemType),
		Status:       string(rec.Status),
		SentAt:       formatTime(rec.SentAt),
		ForcedCount:  rec.ForcedCount,
		LastForcedAt: formatTime(rec.LastForcedAt),
		Outcomes:     toOutcomes(rec.Outcomes),
	}
	writeJSON(w, http.StatusOK, resp)
}

func pathItem(w http.ResponseWriter, r *http.Request) (voting.ItemType, string, bool) {
	itemType, err := voting.ParseItemType(r.PathValue("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown item type")
		return "", "", false
	}
	itemID := r.PathValue("id")
	if itemID == "" {
		writeError(w, http.StatusBadRequest, "missing item id")
		return "", "", false
	}
	return itemType, itemID, true
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, voting.ErrItemNotFound), errors.Is(err, voting.ErrItemTypeMismatch), errors.Is(err, notify.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, voting.ErrItemStillOpen), errors.Is(err, notify.ErrDispatchInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case voting.IsConfigError(err):
		s.logger.ErrorContext(r.Context(), "voting configuration defect",
			slog.String("event", "voting_config_defect"),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case voting.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("event", "http_request_failed"),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toEventResponse(ev *voting.CompletionEvent) *eventResponse {
	if ev == nil {
		return nil
	}
	return &eventResponse{
		ID:      ev.ID,
		Outcome: string(ev.Outcome),
		Reason:  string(ev.Reason),
		Tally: tallyResponse{
			Total:   ev.Tally.Total,
			Approve: ev.Tally.Approve,
			Reject:  ev.Tally.Reject,
			Abstain: ev.Tally.Abstain,
		},
		EligibleVoterCount: ev.EligibleVoterCount,
		CompletedAt:        ev.CompletedAt.UTC().Format(time.RFC3339),
	}
}

func toReportResponse(rep *notify.Report) *reportResponse {
	if rep == nil {
		return nil
	}
	return &reportResponse{
		Skipped:  rep.Skipped,
		Forced:   rep.Forced,
		Failed:   rep.Failed(),
		Outcomes: toOutcomes(rep.Outcomes),
	}
}

func toOutcomes(in []notify.RecipientOutcome) []outcomeResponse {
	out := make([]outcomeResponse, 0, len(in))
	for _, o := range in {
		out = append(out, outcomeResponse{
			RecipientID: o.RecipientID,
			Status:      string(o.Status),
			Attempts:    o.Attempts,
			Error:       o.Error,
			Forced:      o.Forced,
		})
	}
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
