// Package api exposes the simulation engine over HTTP and streams committed
// session events over WebSocket.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/engine"
	"github.com/investotype/sim-engine/internal/model"
)

// Handler serves the simulation endpoints.
type Handler struct {
	engine *engine.Engine
}

// NewHandler creates a Handler over eng.
func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{engine: eng}
}

// --- Request types ---

// TokenRequest is the JSON body of the asset endpoints.
type TokenRequest struct {
	Token string `json:"token"`
	Date  string `json:"date,omitempty"`
}

// ResolveRequest is the JSON body for POST /api/v1/assets/resolve.
type ResolveRequest struct {
	Query      string `json:"query"`
	PreferBond bool   `json:"preferBond,omitempty"`
}

// AddAssetRequest is the JSON body for POST /api/v1/simulations/{id}/assets.
type AddAssetRequest struct {
	Token string `json:"token"`
}

// SearchRequest is the JSON body for POST /api/v1/simulations/{id}/market-search.
type SearchRequest struct {
	Query     string `json:"query"`
	Date      string `json:"date,omitempty"`
	SinceDate string `json:"sinceDate,omitempty"`
}

// --- HTTP Handlers ---

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ValidateAsset handles POST /api/v1/assets/validate
func (h *Handler) ValidateAsset(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decode(w, r, &req) {
		return
	}
	desc, err := h.engine.ValidateToken(r.Context(), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "asset": desc})
}

// PriceAsset handles POST /api/v1/assets/price
func (h *Handler) PriceAsset(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := date.Parse(strings.TrimSpace(req.Date))
	if err != nil {
		writeError(w, fmt.Errorf("%w: date must be YYYY-MM-DD", model.ErrInvalidDate))
		return
	}
	q, err := h.engine.PriceAt(r.Context(), req.Token, d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ResolveAsset handles POST /api/v1/assets/resolve
func (h *Handler) ResolveAsset(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.Resolve(r.Context(), req.Query, req.PreferBond)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StartSimulation handles POST /api/v1/simulations
func (h *Handler) StartSimulation(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.Start(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetSimulation handles GET /api/v1/simulations/{simulationID}
func (h *Handler) GetSimulation(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Get(r.Context(), chi.URLParam(r, "simulationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AddAsset handles POST /api/v1/simulations/{simulationID}/assets
func (h *Handler) AddAsset(w http.ResponseWriter, r *http.Request) {
	var req AddAssetRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.AddAsset(r.Context(), chi.URLParam(r, "simulationID"), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Rebalance handles POST /api/v1/simulations/{simulationID}/rebalance
func (h *Handler) Rebalance(w http.ResponseWriter, r *http.Request) {
	var req engine.RebalanceRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.Rebalance(r.Context(), chi.URLParam(r, "simulationID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Trade handles POST /api/v1/simulations/{simulationID}/trade
func (h *Handler) Trade(w http.ResponseWriter, r *http.Request) {
	var req engine.TradeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.Trade(r.Context(), chi.URLParam(r, "simulationID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Timeline handles GET /api/v1/simulations/{simulationID}/timeline?endDate=
func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	end, err := queryDate(r, "endDate")
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.engine.Timeline(r.Context(), chi.URLParam(r, "simulationID"), end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Replay handles GET /api/v1/simulations/{simulationID}/replay
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Replay(r.Context(), chi.URLParam(r, "simulationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Projection handles GET /api/v1/simulations/{simulationID}/projection
func (h *Handler) Projection(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Projection(r.Context(), chi.URLParam(r, "simulationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Finish handles POST /api/v1/simulations/{simulationID}/finish
func (h *Handler) Finish(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Finish(r.Context(), chi.URLParam(r, "simulationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MarketBriefing handles GET /api/v1/simulations/{simulationID}/market-briefing?date=&sinceDate=
func (h *Handler) MarketBriefing(w http.ResponseWriter, r *http.Request) {
	d, err := queryDate(r, "date")
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := queryDate(r, "sinceDate")
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.engine.Briefing(r.Context(), chi.URLParam(r, "simulationID"), d, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MarketSearch handles POST /api/v1/simulations/{simulationID}/market-search
func (h *Handler) MarketSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := optionalDate(req.Date, "date")
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := optionalDate(req.SinceDate, "sinceDate")
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.engine.SearchMarket(r.Context(), chi.URLParam(r, "simulationID"), req.Query, d, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func queryDate(r *http.Request, key string) (*date.Date, error) {
	return optionalDate(r.URL.Query().Get(key), key)
}

func optionalDate(raw, name string) (*date.Date, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := date.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", model.ErrInvalidDate, name)
	}
	return &d, nil
}

// statusOf maps an engine error kind to an HTTP status.
func statusOf(err error) int {
	switch model.Kind(err) {
	case model.ErrValidation:
		return http.StatusBadRequest
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrDataUnavailable:
		return http.StatusBadGateway
	case model.ErrStateConflict:
		return http.StatusConflict
	case model.ErrBudgetExceeded:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
