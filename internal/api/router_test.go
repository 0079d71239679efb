package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"focusbot/internal/models"
)

type fakeReader struct {
	stats     *models.UserStats
	err       error
	gotYear   int
	gotMonth  time.Month
	gotFrom   time.Time
	gotTo     time.Time
	gotLimit  int
	gotRecent int
	gotUserID string
}

func (f *fakeReader) UserStats(ctx context.Context, userID, guildID string, now time.Time) (*models.UserStats, error) {
	f.gotUserID = userID
	return f.stats, f.err
}

func (f *fakeReader) MonthActivityDays(ctx context.Context, userID, guildID string, year int, month time.Month, now time.Time) (*models.MonthDays, error) {
	f.gotYear, f.gotMonth = year, month
	if f.err != nil {
		return nil, f.err
	}
	return &models.MonthDays{Year: year, Month: int(month), Days: []int{3, 4}}, nil
}

func (f *fakeReader) ActivityDaysBetween(ctx context.Context, userID, guildID string, from, to time.Time) ([]string, error) {
	f.gotFrom, f.gotTo = from, to
	return []string{"2026-03-03"}, f.err
}

func (f *fakeReader) RecentActivityDays(ctx context.Context, userID, guildID string, n int, now time.Time) ([]string, error) {
	f.gotRecent = n
	return []string{"2026-03-14", "2026-03-15"}, f.err
}

func (f *fakeReader) SessionHistory(ctx context.Context, userID, guildID string, limit int) ([]models.Session, error) {
	f.gotLimit = limit
	return []models.Session{{ID: "s1", UserID: userID, GuildID: guildID}}, f.err
}

var fixedNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func serve(t *testing.T, reader Reader, target string) *httptest.ResponseRecorder {
	t.Helper()
	router := New(reader, time.UTC, func() time.Time { return fixedNow })
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	rr := serve(t, &fakeReader{}, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestStats(t *testing.T) {
	reader := &fakeReader{stats: &models.UserStats{UserID: "u1", GuildID: "g1", XP: 42, Level: 1}}
	rr := serve(t, reader, "/guilds/g1/users/u1/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var got models.UserStats
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.XP != 42 || reader.gotUserID != "u1" {
		t.Fatalf("got %+v", got)
	}
}

func TestStatsNotFound(t *testing.T) {
	rr := serve(t, &fakeReader{}, "/guilds/g1/users/nobody/stats")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestStoreFailureIs500(t *testing.T) {
	rr := serve(t, &fakeReader{err: errors.New("boom")}, "/guilds/g1/users/u1/stats")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["error"] != "internal error" {
		t.Fatalf("body = %v", body)
	}
}

func TestCalendar(t *testing.T) {
	reader := &fakeReader{}
	rr := serve(t, reader, "/guilds/g1/users/u1/calendar")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if reader.gotYear != 2026 || reader.gotMonth != time.March {
		t.Fatalf("default month = %d-%d, want current month", reader.gotYear, reader.gotMonth)
	}

	rr = serve(t, reader, "/guilds/g1/users/u1/calendar?year=2025&month=12")
	if rr.Code != http.StatusOK || reader.gotYear != 2025 || reader.gotMonth != time.December {
		t.Fatalf("status = %d, month = %d-%d", rr.Code, reader.gotYear, reader.gotMonth)
	}
}

func TestBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"month too large", "/guilds/g1/users/u1/calendar?month=13"},
		{"year not a number", "/guilds/g1/users/u1/calendar?year=abc"},
		{"missing from", "/guilds/g1/users/u1/days?to=2026-03-01"},
		{"bad to", "/guilds/g1/users/u1/days?from=2026-03-01&to=03/05/2026"},
		{"reversed range", "/guilds/g1/users/u1/days?from=2026-03-05&to=2026-03-01"},
		{"zero limit", "/guilds/g1/users/u1/sessions?limit=0"},
		{"negative recent window", "/guilds/g1/users/u1/recent?days=-1"},
		{"recent window not a number", "/guilds/g1/users/u1/recent?days=week"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(t, &fakeReader{}, tc.target)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestDays(t *testing.T) {
	reader := &fakeReader{}
	rr := serve(t, reader, "/guilds/g1/users/u1/days?from=2026-03-01&to=2026-03-31")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if reader.gotFrom.Day() != 1 || reader.gotTo.Day() != 31 {
		t.Fatalf("range = %v..%v", reader.gotFrom, reader.gotTo)
	}
	var body struct {
		Days []string `json:"days"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Days) != 1 || body.Days[0] != "2026-03-03" {
		t.Fatalf("days = %v", body.Days)
	}
}

func TestSessionsLimitCapped(t *testing.T) {
	reader := &fakeReader{}
	rr := serve(t, reader, "/guilds/g1/users/u1/sessions?limit=5000")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if reader.gotLimit != maxHistory {
		t.Fatalf("limit = %d, want %d", reader.gotLimit, maxHistory)
	}

	serve(t, reader, "/guilds/g1/users/u1/sessions")
	if reader.gotLimit != 20 {
		t.Fatalf("default limit = %d, want 20", reader.gotLimit)
	}
}

func TestRecent(t *testing.T) {
	reader := &fakeReader{}
	rr := serve(t, reader, "/guilds/g1/users/u1/recent")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if reader.gotRecent != defaultRecent {
		t.Fatalf("default window = %d, want %d", reader.gotRecent, defaultRecent)
	}
	var body struct {
		Days   []string `json:"days"`
		Window int      `json:"window"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Days) != 2 || body.Window != defaultRecent {
		t.Fatalf("body = %+v", body)
	}

	serve(t, reader, "/guilds/g1/users/u1/recent?days=7")
	if reader.gotRecent != 7 {
		t.Fatalf("window = %d, want 7", reader.gotRecent)
	}
	serve(t, reader, "/guilds/g1/users/u1/recent?days=100000")
	if reader.gotRecent != maxRecent {
		t.Fatalf("window = %d, want %d", reader.gotRecent, maxRecent)
	}
}
