package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkorolev/usage-meter/internal/usage"
	"github.com/mkorolev/usage-meter/internal/users"
	"github.com/mkorolev/usage-meter/pkg/ratelimit"
)

type Handler struct {
	store   usage.Store
	cache   *usage.FileCache
	users   users.Store
	limiter *ratelimit.Limiter
	prices  usage.Prices
	tracer  trace.Tracer

	mu       sync.Mutex
	sessions map[int64]*session
}

func NewHandler(store usage.Store, cache *usage.FileCache, usersStore users.Store, limiter *ratelimit.Limiter, prices usage.Prices, tracer trace.Tracer) *Handler {
	return &Handler{
		store:    store,
		cache:    cache,
		users:    usersStore,
		limiter:  limiter,
		prices:   prices,
		tracer:   tracer,
		sessions: make(map[int64]*session),
	}
}

type resourceTotals struct {
	Today int `json:"today"`
	Month int `json:"month"`
}

type transcriptionTotals struct {
	TodayMinutes int     `json:"today_minutes"`
	TodaySeconds float64 `json:"today_seconds"`
	MonthMinutes int     `json:"month_minutes"`
	MonthSeconds float64 `json:"month_seconds"`
}

type recordResponse struct {
	UserID int64            `json:"user_id"`
	Cost   usage.CostReport `json:"cost"`
}

type usageResponse struct {
	UserID        int64               `json:"user_id"`
	ChatTokens    resourceTotals      `json:"chat_tokens"`
	Images        resourceTotals      `json:"images"`
	VisionTokens  resourceTotals      `json:"vision_tokens"`
	TTSCharacters resourceTotals      `json:"tts_characters"`
	Transcription transcriptionTotals `json:"transcription"`
	Cost          usage.CostReport    `json:"cost"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// prepare resolves the user from the request context and applies the
// per-user rate limit, writing the error response itself on failure.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request, op string) (*users.User, error) {
	ctx := r.Context()
	user := users.FromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, fmt.Errorf("unauthorized")
	}

	_, span := h.tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user_id", user.TelegramID),
		attribute.String("request_id", users.GetRequestID(ctx)),
	)

	allowed, err := h.limiter.Allow(ctx, user.TelegramID)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return nil, fmt.Errorf("rate limit exceeded")
	}

	return user, nil
}

func (h *Handler) RecordChatTokens(w http.ResponseWriter, r *http.Request) {
	user, err := h.prepare(w, r, "usage.record_chat_tokens")
	if err != nil {
		return
	}

	var req struct {
		Tokens int `json:"tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, release := h.session(r.Context(), user)
	defer release()
	s.ledger.AddChatTokens(r.Context(), req.Tokens, h.prices.ChatTokens)
	writeJSON(w, http.StatusOK, recordResponse{UserID: user.TelegramID, Cost: s.ledger.CurrentCost()})
}

func (h *Handler) RecordImage(w http.ResponseWriter, r *http.Request) {
	user, err := h.prepare(w, r, "usage.record_image")
	if err != nil {
		return
	}

	var req struct {
		Size string `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, release := h.session(r.Context(), user)
	defer release()
	if err := s.ledger.AddImageRequest(r.Context(), req.Size, h.prices.Images); err != nil {
		if errors.Is(err, usage.ErrInvalidSize) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{UserID: user.TelegramID, Cost: s.ledger.CurrentCost()})
}

func (h *Handler) RecordVisionTokens(w http.ResponseWriter, r *http.Request) {
	user, err := h.prepare(w, r, "usage.record_vision_tokens")
	if err != nil {
		return
	}

	var req struct {
		Tokens int `json:"tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, release := h.session(r.Context(), user)
	defer release()
	s.ledger.AddVisionTokens(r.Context(), req.Tokens, h.prices.VisionTokens)
	writeJSON(w, http.StatusOK, recordResponse{UserID: user.TelegramID, Cost: s.ledger.CurrentCost()})
}

func (h *Handler) RecordTTS(w http.ResponseWriter, r *http.Request) {
	user, err := h.prepare(w, r, "usage.record_tts")
	if err != nil {
		return
	}

	var req struct {
		Characters int    `json:"characters"`
		Model      string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, release := h.session(r.Context(), user)
	defer release()
	if err := s.ledger.AddTTSRequest(r.Context(), req.Characters, req.Model, h.prices.TTS); err != nil {
		if errors.Is(err, usage.ErrInvalidModel) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{UserID: user.TelegramID, Cost: s.ledger.CurrentCost()})
}

func (h *Handler) RecordTranscription(w http.ResponseWriter, r *http.Request) {
	user, err := h.prepare(w, r, "usage.record_transcription")
	if err != nil {
		return
	}

	var req struct {
		Seconds float64 `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, release := h.session(r.Context(), user)
	defer release()
	s.ledger.AddTranscriptionSeconds(r.Context(), req.Seconds, h.prices.TranscriptionMinute)
	writeJSON(w, http.StatusOK, recordResponse{UserID: user.TelegramID, Cost: s.ledger.CurrentCost()})
}

func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := users.FromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	_, span := h.tracer.Start(ctx, "usage.get_usage")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", user.TelegramID))

	s, release := h.session(ctx, user)
	defer release()

	tokensDay, tokensMonth := s.ledger.TokenUsage()
	imagesDay, imagesMonth := s.ledger.ImageCount()
	visionDay, visionMonth := s.ledger.VisionTokenUsage()
	ttsDay, ttsMonth := s.ledger.TTSUsage()
	minDay, secDay, minMonth, secMonth := s.ledger.TranscriptionDuration()

	writeJSON(w, http.StatusOK, usageResponse{
		UserID:        user.TelegramID,
		ChatTokens:    resourceTotals{Today: tokensDay, Month: tokensMonth},
		Images:        resourceTotals{Today: imagesDay, Month: imagesMonth},
		VisionTokens:  resourceTotals{Today: visionDay, Month: visionMonth},
		TTSCharacters: resourceTotals{Today: ttsDay, Month: ttsMonth},
		Transcription: transcriptionTotals{
			TodayMinutes: minDay,
			TodaySeconds: secDay,
			MonthMinutes: minMonth,
			MonthSeconds: secMonth,
		},
		Cost: s.ledger.CurrentCost(),
	})
}

func (h *Handler) GetCost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := users.FromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	_, span := h.tracer.Start(ctx, "usage.get_cost")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", user.TelegramID))

	s, release := h.session(ctx, user)
	defer release()
	writeJSON(w, http.StatusOK, s.ledger.CurrentCost())
}

func (h *Handler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.users.Admins(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if admins == nil {
		admins = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"admins": admins})
}
