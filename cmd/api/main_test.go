package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Gilbert4525/arcc-sub000/notify"
	"github.com/Gilbert4525/arcc-sub000/scheduler"
	"github.com/Gilbert4525/arcc-sub000/voting"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubChecker struct {
	result    scheduler.CheckResult
	err       error
	gotType   voting.ItemType
	gotID     string
	gotForced bool
}

func (s *stubChecker) CheckNow(_ context.Context, itemType voting.ItemType, itemID string, force bool) (scheduler.CheckResult, error) {
	s.gotType, s.gotID, s.gotForced = itemType, itemID, force
	return s.result, s.err
}

type stubEngine struct {
	item       voting.VotingItem
	lookupErr  error
	result     voting.Result
	changeErr  error
	event      voting.CompletionEvent
	reevalErr  error
	changedIDs []string
}

func (s *stubEngine) Lookup(_ context.Context, _ voting.ItemType, _ string) (voting.VotingItem, error) {
	return s.item, s.lookupErr
}

func (s *stubEngine) OnChange(_ context.Context, itemID string) (voting.Result, error) {
	s.changedIDs = append(s.changedIDs, itemID)
	return s.result, s.changeErr
}

func (s *stubEngine) Reevaluate(_ context.Context, _ string) (voting.CompletionEvent, error) {
	return s.event, s.reevalErr
}

type stubDispatcher struct {
	report    notify.Report
	resendErr error
	record    notify.Record
	recordErr error
	resent    []voting.CompletionEvent
}

func (s *stubDispatcher) Resend(_ context.Context, ev voting.CompletionEvent) (notify.Report, error) {
	s.resent = append(s.resent, ev)
	return s.report, s.resendErr
}

func (s *stubDispatcher) Record(_ context.Context, _ voting.ItemType, _ string) (notify.Record, error) {
	return s.record, s.recordErr
}

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error { return s.err }

func serve(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return v
}

func TestHandleHealth(t *testing.T) {
	srv := NewServer(&stubChecker{}, &stubEngine{}, &stubDispatcher{}, stubPinger{}, quiet)
	if rec := serve(t, srv, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	down := NewServer(&stubChecker{}, &stubEngine{}, &stubDispatcher{}, stubPinger{err: errors.New("refused")}, quiet)
	if rec := serve(t, down, http.MethodGet, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleCheckNow_Transitioned(t *testing.T) {
	completed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	checker := &stubChecker{result: scheduler.CheckResult{
		Item: voting.VotingItem{ID: "r1", Type: voting.ItemTypeResolution, Status: voting.StatusVoting},
		Result: voting.Result{ItemID: "r1", Transitioned: true, Event: &voting.CompletionEvent{
			ID: "e1", ItemType: voting.ItemTypeResolution, ItemID: "r1", Outcome: voting.StatusApproved,
			Tally: voting.Tally{Total: 3, Approve: 3}, EligibleVoterCount: 3,
			CompletedAt: completed, Reason: voting.ReasonAllVoted,
		}},
	}}
	srv := NewServer(checker, &stubEngine{}, &stubDispatcher{}, nil, quiet)

	rec := serve(t, srv, http.MethodPost, "/api/admin/voting/resolution/r1/check")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if checker.gotType != voting.ItemTypeResolution || checker.gotID != "r1" || checker.gotForced {
		t.Fatalf("unexpected checker call: %+v", checker)
	}

	resp := decode[checkResponse](t, rec)
	if resp.Status != "approved" || !resp.Transitioned || resp.Event == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Event.Reason != "all_voted" || resp.Event.Tally.Approve != 3 || resp.Event.CompletedAt != completed.Format(time.RFC3339) {
		t.Fatalf("unexpected event payload: %+v", resp.Event)
	}
}

func TestHandleCheckNow_Forced(t *testing.T) {
	checker := &stubChecker{result: scheduler.CheckResult{
		Item:   voting.VotingItem{ID: "m1", Type: voting.ItemTypeMinutes, Status: voting.StatusFailed},
		Result: voting.Result{ItemID: "m1", Skipped: voting.SkipNotVoting},
		Forced: true,
		Report: &notify.Report{Forced: true, Outcomes: []notify.RecipientOutcome{
			{RecipientID: "u1", Status: notify.DeliveryDelivered, Attempts: 1, Forced: true},
			{RecipientID: "u2", Status: notify.DeliveryFailed, Attempts: 3, Error: "bounce", Forced: true},
		}},
	}}
	srv := NewServer(checker, &stubEngine{}, &stubDispatcher{}, nil, quiet)

	rec := serve(t, srv, http.MethodPost, "/api/admin/voting/minutes/m1/check?force=true")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !checker.gotForced {
		t.Fatalf("force flag not passed through")
	}
	resp := decode[checkResponse](t, rec)
	if !resp.Forced || resp.Status != "failed" || resp.Report == nil || resp.Report.Failed != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleCheckNow_BadRequests(t *testing.T) {
	srv := NewServer(&stubChecker{}, &stubEngine{}, &stubDispatcher{}, nil, quiet)

	if rec := serve(t, srv, http.MethodPost, "/api/admin/voting/motion/x/check"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rec.Code)
	}
	if rec := serve(t, srv, http.MethodPost, "/api/admin/voting/minutes/x/check?force=maybe"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad force flag, got %d", rec.Code)
	}
	if rec := serve(t, srv, http.MethodGet, "/api/admin/voting/minutes/x/check"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleCheckNow_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", voting.ErrItemNotFound, http.StatusNotFound},
		{"type mismatch", fmt.Errorf("lookup r1: %w", voting.ErrItemTypeMismatch), http.StatusNotFound},
		{"config", &voting.ConfigError{Msg: "quorum 140"}, http.StatusUnprocessableEntity},
		{"transient", &voting.StoreError{Op: "get item", Err: errors.New("reset")}, http.StatusServiceUnavailable},
		{"still open", voting.ErrItemStillOpen, http.StatusConflict},
		{"dispatch busy", notify.ErrDispatchInProgress, http.StatusConflict},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(&stubChecker{err: tt.err}, &stubEngine{}, &stubDispatcher{}, nil, quiet)
			rec := serve(t, srv, http.MethodPost, "/api/admin/voting/resolution/r1/check")
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHandleResend(t *testing.T) {
	ev := voting.CompletionEvent{ID: "e2", ItemType: voting.ItemTypeResolution, ItemID: "r1",
		Outcome: voting.StatusRejected, Reason: voting.ReasonManualRecheck}
	engine := &stubEngine{
		item:  voting.VotingItem{ID: "r1", Type: voting.ItemTypeResolution, Status: voting.StatusRejected},
		event: ev,
	}
	dispatcher := &stubDispatcher{report: notify.Report{Forced: true}}
	srv := NewServer(&stubChecker{}, engine, dispatcher, nil, quiet)

	rec := serve(t, srv, http.MethodPost, "/api/admin/voting/resolution/r1/resend")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(dispatcher.resent) != 1 || dispatcher.resent[0].ID != "e2" {
		t.Fatalf("expected one forced resend, got %+v", dispatcher.resent)
	}
	resp := decode[checkResponse](t, rec)
	if resp.Event == nil || resp.Event.Reason != "manual_recheck" || !resp.Forced {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleResend_OpenItem(t *testing.T) {
	engine := &stubEngine{
		item:      voting.VotingItem{ID: "r1", Type: voting.ItemTypeResolution, Status: voting.StatusVoting},
		reevalErr: voting.ErrItemStillOpen,
	}
	dispatcher := &stubDispatcher{}
	srv := NewServer(&stubChecker{}, engine, dispatcher, nil, quiet)

	rec := serve(t, srv, http.MethodPost, "/api/admin/voting/resolution/r1/resend")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if len(dispatcher.resent) != 0 {
		t.Fatalf("open items must not be resent")
	}
}

func TestHandleBallotChanged(t *testing.T) {
	engine := &stubEngine{
		item:   voting.VotingItem{ID: "m1", Type: voting.ItemTypeMinutes, Status: voting.StatusVoting},
		result: voting.Result{ItemID: "m1", Skipped: voting.SkipIncomplete},
	}
	srv := NewServer(&stubChecker{}, engine, &stubDispatcher{}, nil, quiet)

	rec := serve(t, srv, http.MethodPost, "/api/voting/minutes/m1/ballot-changed")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(engine.changedIDs) != 1 || engine.changedIDs[0] != "m1" {
		t.Fatalf("expected one OnChange call, got %v", engine.changedIDs)
	}
	if resp := decode[checkResponse](t, rec); resp.Skipped != "incomplete" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	engine.result = voting.Result{ItemID: "m1", Transitioned: true, Event: &voting.CompletionEvent{Outcome: voting.StatusPassed}}
	if rec := serve(t, srv, http.MethodPost, "/api/voting/minutes/m1/ballot-changed"); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on transition, got %d", rec.Code)
	}
}

func TestHandleDispatchRecord(t *testing.T) {
	sent := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	dispatcher := &stubDispatcher{record: notify.Record{
		ItemType: voting.ItemTypeResolution, ItemID: "r1", EventID: "e1",
		Status: notify.RecordSent, SentAt: &sent,
		Outcomes: []notify.RecipientOutcome{{RecipientID: "u1", Status: notify.DeliveryDelivered, Attempts: 1}},
	}}
	srv := NewServer(&stubChecker{}, &stubEngine{}, dispatcher, nil, quiet)

	rec := serve(t, srv, http.MethodGet, "/api/voting/resolution/r1/dispatch")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[recordResponse](t, rec)
	if resp.Status != "sent" || resp.SentAt == nil || *resp.SentAt != sent.Format(time.RFC3339) || len(resp.Outcomes) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	dispatcher.recordErr = notify.ErrRecordNotFound
	if rec := serve(t, srv, http.MethodGet, "/api/voting/resolution/r1/dispatch"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
