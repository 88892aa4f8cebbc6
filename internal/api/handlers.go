// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the Control Plane over HTTP: the six
// /v1/orchestration/* endpoints plus the OTP ingress endpoint, all JSON
// over gorilla/mux exactly as spec.md §6 lists them.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kaleido-io/voucherd/internal/i18n"
	"github.com/kaleido-io/voucherd/internal/log"
	"github.com/kaleido-io/voucherd/internal/msgs"
	"github.com/kaleido-io/voucherd/internal/orchestrator"
	"github.com/kaleido-io/voucherd/internal/otp"
	"github.com/kaleido-io/voucherd/internal/registry"
)

// Server binds the Control Plane to HTTP handlers.
type Server struct {
	control      *orchestrator.Control
	mailboxes    *otp.Mailboxes
	providerHost string
	staleAfter   time.Duration
}

func NewServer(control *orchestrator.Control, mailboxes *otp.Mailboxes, providerHost string, staleAfter time.Duration) *Server {
	return &Server{control: control, mailboxes: mailboxes, providerHost: providerHost, staleAfter: staleAfter}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/orchestration/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/v1/orchestration/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/v1/orchestration/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/v1/orchestration/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/v1/orchestration/status", s.handleStatus).Methods(http.MethodPost)
	r.HandleFunc("/v1/orchestration/monitor", s.handleMonitor).Methods(http.MethodGet)
	r.HandleFunc("/v1/otp/{binding_id}", s.handleOTPSubmit).Methods(http.MethodPost)
	return r
}

type envelope struct {
	Action string                  `json:"action"`
	Items  []orchestrator.ItemResult `json:"items"`
}

type startRequest struct {
	BindingIDs        []string `json:"binding_ids"`
	ProductID         string   `json:"product_id"`
	Email             string   `json:"email"`
	LimitHarga        int64    `json:"limit_harga"`
	IntervalMS        int      `json:"interval_ms"`
	MaxRetryStatus    int      `json:"max_retry_status"`
	CooldownOnErrorMS int      `json:"cooldown_on_error_ms"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results := s.control.Start(r.Context(), s.providerHost, toBindingIDs(req.BindingIDs), orchestrator.StartSpec{
		ProductID:         req.ProductID,
		Email:             req.Email,
		LimitHarga:        req.LimitHarga,
		IntervalMS:        req.IntervalMS,
		MaxRetryStatus:    req.MaxRetryStatus,
		CooldownOnErrorMS: req.CooldownOnErrorMS,
	})
	writeJSON(w, http.StatusOK, envelope{Action: "start", Items: results})
}

type bindingsReasonRequest struct {
	BindingIDs []string `json:"binding_ids"`
	Reason     string   `json:"reason,omitempty"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req bindingsReasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results := s.control.Pause(r.Context(), toBindingIDs(req.BindingIDs), req.Reason)
	writeJSON(w, http.StatusOK, envelope{Action: "pause", Items: results})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req bindingsReasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results := s.control.Resume(r.Context(), toBindingIDs(req.BindingIDs))
	writeJSON(w, http.StatusOK, envelope{Action: "resume", Items: results})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req bindingsReasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results := s.control.Stop(r.Context(), toBindingIDs(req.BindingIDs), req.Reason)
	writeJSON(w, http.StatusOK, envelope{Action: "stop", Items: results})
}

type statusItem struct {
	BindingID string `json:"binding_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Owner     string `json:"owner,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req bindingsReasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	states := s.control.Status(r.Context(), toBindingIDs(req.BindingIDs))
	items := make([]statusItem, 0, len(states))
	for _, ws := range states {
		items = append(items, statusItem{
			BindingID: string(ws.BindingID),
			State:     string(ws.State),
			Reason:    ws.Reason,
			Owner:     ws.Owner,
			UpdatedAt: ws.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

type monitorItem struct {
	BindingID       string `json:"binding_id"`
	State           string `json:"state"`
	Reason          string `json:"reason,omitempty"`
	LockOwner       string `json:"lock_owner,omitempty"`
	HeartbeatCycle  int64  `json:"heartbeat_cycle"`
	HeartbeatAction string `json:"heartbeat_last_action,omitempty"`
	HeartbeatAgeMS  int64  `json:"heartbeat_age_ms"`
	Stale           bool   `json:"stale"`
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	res, err := s.control.Monitor(r.Context(), s.staleAfter)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, i18n.WrapError(r.Context(), err, msgs.MsgRegistryUnavailable, err.Error()))
		return
	}
	items := make([]monitorItem, 0, len(res.Items))
	for _, snap := range res.Items {
		items = append(items, monitorItem{
			BindingID:       string(snap.BindingID),
			State:           string(snap.State),
			Reason:          snap.Reason,
			LockOwner:       snap.LockOwner,
			HeartbeatCycle:  snap.HeartbeatCycle,
			HeartbeatAction: snap.HeartbeatAction,
			HeartbeatAgeMS:  snap.HeartbeatAgeMS,
			Stale:           snap.Stale,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_workers":  res.TotalWorkers,
		"active_workers": res.ActiveWorkers,
		"items":          items,
	})
}

type otpSubmitRequest struct {
	OTP string `json:"otp"`
}

func (s *Server) handleOTPSubmit(w http.ResponseWriter, r *http.Request) {
	bindingID := mux.Vars(r)["binding_id"]
	var req otpSubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.mailboxes.Submit(r.Context(), bindingID, req.OTP)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, i18n.NewError(r.Context(), msgs.MsgAPIBadRequest, err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.L(context.Background()).Errorf("failed encoding response: %s", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	log.L(r.Context()).Warnf("request failed: %s", err)
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func toBindingIDs(ids []string) []registry.BindingID {
	out := make([]registry.BindingID, len(ids))
	for i, id := range ids {
		out[i] = registry.BindingID(id)
	}
	return out
}
