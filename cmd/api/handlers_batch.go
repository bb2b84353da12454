package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pharmatrace/batch"
)

type historyResponse struct {
	Seq               int    `json:"seq"`
	Actor             string `json:"actor"`
	Action            string `json:"action"`
	Timestamp         string `json:"timestamp"`
	PreviousCustodian string `json:"previousCustodian,omitempty"`
	NewCustodian      string `json:"newCustodian,omitempty"`
	LedgerRef         string `json:"ledgerRef,omitempty"`
}

type pendingResponse struct {
	Kind         string `json:"kind"`
	Recipient    string `json:"recipient,omitempty"`
	TargetStatus string `json:"targetStatus,omitempty"`
	SubmittedAt  string `json:"submittedAt"`
	Attempts     int    `json:"attempts"`
}

type batchResponse struct {
	BatchID       string            `json:"batchId"`
	TokenID       string            `json:"tokenId,omitempty"`
	DocumentRef   string            `json:"documentRef"`
	ContentHash   string            `json:"contentHash"`
	LinkageHash   string            `json:"linkageHash"`
	Status        string            `json:"status"`
	Custodian     string            `json:"custodian"`
	Metadata      batch.Metadata    `json:"metadata"`
	Version       int64             `json:"version"`
	Pending       *pendingResponse  `json:"pending,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	History       []historyResponse `json:"history,omitempty"`
	CreatedAt     string            `json:"createdAt"`
	UpdatedAt     string            `json:"updatedAt"`
}

func toBatchResponse(b batch.Batch) batchResponse {
	resp := batchResponse{
		BatchID:       b.BatchID,
		TokenID:       b.LedgerToken,
		DocumentRef:   b.DocumentRef,
		ContentHash:   b.ContentHash.Hex(),
		LinkageHash:   b.LinkageHash.Hex(),
		Status:        string(b.Status),
		Custodian:     b.Custodian,
		Metadata:      b.Metadata,
		Version:       b.Version,
		FailureReason: b.FailureReason,
		History:       toHistoryResponse(b.History),
		CreatedAt:     formatTime(b.CreatedAt),
		UpdatedAt:     formatTime(b.UpdatedAt),
	}
	if p := b.Pending; p != nil {
		resp.Pending = &pendingResponse{
			Kind:         string(p.Kind),
			Recipient:    p.Recipient,
			TargetStatus: string(p.TargetStatus),
			SubmittedAt:  formatTime(p.SubmittedAt),
			Attempts:     p.Attempts,
		}
	}
	return resp
}

func toHistoryResponse(entries []batch.HistoryEntry) []historyResponse {
	if len(entries) == 0 {
		return nil
	}
	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyResponse{
			Seq:               e.Seq,
			Actor:             e.Actor,
			Action:            e.Action,
			Timestamp:         formatTime(e.Timestamp),
			PreviousCustodian: e.PreviousCustodian,
			NewCustodian:      e.NewCustodian,
			LedgerRef:         e.LedgerRef,
		})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type createBatchRequest struct {
	BatchID  string         `json:"batchId"`
	Document []byte         `json:"document"`
	Metadata batch.Metadata `json:"metadata"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing session")
		return
	}
	var req createBatchRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	b, err := s.batches.CreateBatch(r.Context(), actor, batch.CreateRequest{
		BatchID:  strings.TrimSpace(req.BatchID),
		Document: req.Document,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, toBatchResponse(b))
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing session")
		return
	}
	b, err := s.batches.Get(r.Context(), actor, chi.URLParam(r, "tokenId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toBatchResponse(b))
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing session")
		return
	}
	q := r.URL.Query()
	filter := batch.ListFilter{
		Custodian: q.Get("custodian"),
		Status:    batch.Status(strings.ToUpper(q.Get("status"))),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	batches, err := s.batches.List(r.Context(), actor, filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, toBatchResponse(b))
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleBatchHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing session")
		return
	}
	entries, err := s.batches.History(r.Context(), actor, chi.URLParam(r, "tokenId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := toHistoryResponse(entries)
	if out == nil {
		out = []historyResponse{}
	}
	writeData(w, http.StatusOK, out)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing session")
		return
	}
	var req updateStatusRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	target := batch.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	b, err := s.batches.UpdateStatus(r.Context(), actor, chi.URLParam(r, "tokenId"), target)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toBatchResponse(b))
}

type transferRequest struct {
	To string `json:"to"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing session")
		return
	}
	var req transferRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	b, err := s.batches.Transfer(r.Context(), actor, chi.URLParam(r, "tokenId"), req.To)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toBatchResponse(b))
}

type verifyResponse struct {
	Authentic    bool           `json:"authentic"`
	Verdict      string         `json:"verdict"`
	Reason       string         `json:"reason"`
	LedgerStatus string         `json:"ledgerStatus,omitempty"`
	CheckedAt    string         `json:"checkedAt"`
	Batch        *batchResponse `json:"batch,omitempty"`
}

func (s *Server) handleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.batches.Verify(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := verifyResponse{
		Authentic:    res.Authentic,
		Verdict:      string(res.Verdict),
		Reason:       res.Reason,
		LedgerStatus: string(res.LedgerStatus),
		CheckedAt:    formatTime(res.CheckedAt),
	}
	if res.Batch != nil {
		b := toBatchResponse(*res.Batch)
		b.History = nil
		out.Batch = &b
	}
	writeData(w, http.StatusOK, out)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", errBadRequest, raw)
	}
	return v, nil
}
