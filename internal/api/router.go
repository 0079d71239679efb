// Package api serves read-only progression data over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"focusbot/internal/database"
	"focusbot/internal/models"
)

// Reader is the aggregate read side the API exposes.
type Reader interface {
	UserStats(ctx context.Context, userID, guildID string, now time.Time) (*models.UserStats, error)
	MonthActivityDays(ctx context.Context, userID, guildID string, year int, month time.Month, now time.Time) (*models.MonthDays, error)
	ActivityDaysBetween(ctx context.Context, userID, guildID string, from, to time.Time) ([]string, error)
	RecentActivityDays(ctx context.Context, userID, guildID string, n int, now time.Time) ([]string, error)
	SessionHistory(ctx context.Context, userID, guildID string, limit int) ([]models.Session, error)
}

const (
	maxHistory    = 100
	defaultRecent = 35
	maxRecent     = 400
)

type handler struct {
	reader Reader
	loc    *time.Location
	now    func() time.Time
}

// New builds the router. Dates in query parameters are read in loc.
func New(reader Reader, loc *time.Location, now func() time.Time) http.Handler {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	h := &handler{reader: reader, loc: loc, now: now}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/guilds/{guildID}/users/{userID}", func(r chi.Router) {
		r.Get("/stats", h.stats)
		r.Get("/calendar", h.calendar)
		r.Get("/days", h.days)
		r.Get("/recent", h.recent)
		r.Get("/sessions", h.sessions)
	})

	return r
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	guildID, userID := chi.URLParam(r, "guildID"), chi.URLParam(r, "userID")

	stats, err := h.reader.UserStats(r.Context(), userID, guildID, h.now())
	if err != nil {
		h.fail(w, "stats", err)
		return
	}
	if stats == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) calendar(w http.ResponseWriter, r *http.Request) {
	guildID, userID := chi.URLParam(r, "guildID"), chi.URLParam(r, "userID")
	now := h.now().In(h.loc)

	year, month := now.Year(), now.Month()
	if v := r.URL.Query().Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1970 || n > 9999 {
			writeError(w, http.StatusBadRequest, "invalid year")
			return
		}
		year = n
	}
	if v := r.URL.Query().Get("month"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 12 {
			writeError(w, http.StatusBadRequest, "invalid month")
			return
		}
		month = time.Month(n)
	}

	days, err := h.reader.MonthActivityDays(r.Context(), userID, guildID, year, month, now)
	if err != nil {
		h.fail(w, "calendar", err)
		return
	}
	writeJSON(w, http.StatusOK, days)
}

func (h *handler) days(w http.ResponseWriter, r *http.Request) {
	guildID, userID := chi.URLParam(r, "guildID"), chi.URLParam(r, "userID")

	from, err := time.ParseInLocation(database.DayLayout, r.URL.Query().Get("from"), h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from date, want YYYY-MM-DD")
		return
	}
	to, err := time.ParseInLocation(database.DayLayout, r.URL.Query().Get("to"), h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to date, want YYYY-MM-DD")
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to is before from")
		return
	}

	days, err := h.reader.ActivityDaysBetween(r.Context(), userID, guildID, from, to)
	if err != nil {
		h.fail(w, "days", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days})
}

func (h *handler) recent(w http.ResponseWriter, r *http.Request) {
	guildID, userID := chi.URLParam(r, "guildID"), chi.URLParam(r, "userID")

	n := defaultRecent
	if v := r.URL.Query().Get("days"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 1 {
			writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
		n = min(d, maxRecent)
	}

	days, err := h.reader.RecentActivityDays(r.Context(), userID, guildID, n, h.now())
	if err != nil {
		h.fail(w, "recent", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "window": n})
}

func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	guildID, userID := chi.URLParam(r, "guildID"), chi.URLParam(r, "userID")

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistory)
	}

	sessions, err := h.reader.SessionHistory(r.Context(), userID, guildID, limit)
	if err != nil {
		h.fail(w, "sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *handler) fail(w http.ResponseWriter, route string, err error) {
	log.Printf("Error serving %s: %v", route, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
