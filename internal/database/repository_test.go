package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"focusbot/internal/leveling"
	"focusbot/internal/models"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func openTempRepository(t *testing.T, minSeconds int64) *Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "focus.db")
	db, err := New("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
	})
	policy, err := leveling.NewPolicy([]int64{100, 150, 250}, []string{"one", "two", "three", "four"}, 3600, 0)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return NewRepository(db, policy, Options{MinEligibleSeconds: minSeconds, Location: time.UTC})
}

func closeFor(userID string, start time.Time, seconds int64, reason models.CloseReason) models.SessionClose {
	return models.SessionClose{
		SessionID: uuid.NewString(),
		UserID:    userID,
		GuildID:   "g1",
		Start:     start,
		End:       start.Add(time.Duration(seconds) * time.Second),
		Duration:  seconds,
		Reason:    reason,
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New("mysql", "x"); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v, want ErrUnknownDriver", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: Postgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("postgres rebind = %q", got)
	}
	lite := &DB{dialect: SQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
	if pg.forUpdate() != " FOR UPDATE" || lite.forUpdate() != "" {
		t.Fatal("unexpected row lock clause")
	}
}

func TestCloseSessionCrossesXPBoundary(t *testing.T) {
	repo := openTempRepository(t, 180)
	ctx := context.Background()

	first, err := repo.CloseSession(ctx, closeFor("u1", t0, 3500, models.ReasonLeave))
	if err != nil {
		t.Fatalf("first close: %v", err)
	}
	if first.XPGained != 0 || first.TotalSeconds != 3500 || !first.Credited {
		t.Fatalf("first = %+v", first)
	}

	second, err := repo.CloseSession(ctx, closeFor("u1", t0.Add(2*time.Hour), 200, models.ReasonLeave))
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if second.XPGained != 1 || second.TotalSeconds != 3700 || second.TotalXP != 1 {
		t.Fatalf("second = %+v, want xpGain=1 total=3700", second)
	}
}

func TestSubThresholdSessionIsRecordedButNotCredited(t *testing.T) {
	repo := openTempRepository(t, 180)
	ctx := context.Background()

	res, err := repo.CloseSession(ctx, closeFor("u1", t0, 90, models.ReasonLeave))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Credited || res.TotalSeconds != 0 || res.TotalXP != 0 {
		t.Fatalf("result = %+v, want uncredited", res)
	}

	history, err := repo.SessionHistory(ctx, "u1", "g1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].DurationSeconds != 90 || history[0].Credited {
		t.Fatalf("history = %+v", history)
	}

	days, err := repo.ActivityDaysBetween(ctx, "u1", "g1", t0, t0)
	if err != nil {
		t.Fatalf("days: %v", err)
	}
	if len(days) != 0 {
		t.Fatalf("days = %v, want none for uncredited session", days)
	}
}

func TestMoveSegmentBypassesThreshold(t *testing.T) {
	repo := openTempRepository(t, 180)

	res, err := repo.CloseSession(context.Background(), closeFor("u1", t0, 60, models.ReasonMove))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.Credited || res.TotalSeconds != 60 {
		t.Fatalf("result = %+v, want credited move segment", res)
	}
}

func TestNegativeDurationIsClampedToZero(t *testing.T) {
	repo := openTempRepository(t, 0)
	ctx := context.Background()

	c := closeFor("u1", t0, 0, models.ReasonLeave)
	c.Duration = -40
	res, err := repo.CloseSession(ctx, c)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.TotalSeconds != 0 {
		t.Fatalf("TotalSeconds = %d, want 0", res.TotalSeconds)
	}
	history, _ := repo.SessionHistory(ctx, "u1", "g1", 1)
	if len(history) != 1 || history[0].DurationSeconds != 0 {
		t.Fatalf("history = %+v", history)
	}
}

func TestOpenSessionThenCloseOnceOnly(t *testing.T) {
	repo := openTempRepository(t, 180)
	ctx := context.Background()

	id := uuid.NewString()
	if err := repo.OpenSession(ctx, id, "u1", "g1", t0); err != nil {
		t.Fatalf("open: %v", err)
	}
	// A retried open with the same id must not add a second row.
	if err := repo.OpenSession(ctx, id, "u1", "g1", t0); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	open, err := repo.ListOpenSessions(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ID != id || !open[0].StartedAt.Equal(t0) {
		t.Fatalf("open = %+v", open)
	}

	c := closeFor("u1", t0, 600, models.ReasonLeave)
	c.SessionID = id
	first, err := repo.CloseSession(ctx, c)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if first.Duplicate || first.TotalSeconds != 600 || first.SessionID != id {
		t.Fatalf("first = %+v", first)
	}

	again, err := repo.CloseSession(ctx, c)
	if err != nil {
		t.Fatalf("duplicate close: %v", err)
	}
	if !again.Duplicate || again.Credited || again.TotalSeconds != 600 {
		t.Fatalf("again = %+v, want duplicate with unchanged totals", again)
	}

	open, _ = repo.ListOpenSessions(ctx)
	if len(open) != 0 {
		t.Fatalf("open after close = %+v", open)
	}
	history, _ := repo.SessionHistory(ctx, "u1", "g1", 10)
	if len(history) != 1 {
		t.Fatalf("history len = %d, want 1", len(history))
	}
}

func TestRetriedCloseOfCommittedSessionIsDuplicate(t *testing.T) {
	repo := openTempRepository(t, 180)
	ctx := context.Background()

	// No open row: the first attempt inserts the closed row under the
	// caller's id; a retry after a lost reply must find it.
	c := closeFor("u1", t0, 3600, models.ReasonLeave)
	if _, err := repo.CloseSession(ctx, c); err != nil {
		t.Fatalf("close: %v", err)
	}
	again, err := repo.CloseSession(ctx, c)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !again.Duplicate || again.TotalSeconds != 3600 || again.TotalXP != 1 {
		t.Fatalf("retry = %+v, want duplicate at 3600s and 1 XP", again)
	}
	history, _ := repo.SessionHistory(ctx, "u1", "g1", 10)
	if len(history) != 1 {
		t.Fatalf("history len = %d, want 1", len(history))
	}
}

func TestSessionWritesRequireID(t *testing.T) {
	repo := openTempRepository(t, 0)
	ctx := context.Background()

	c := closeFor("u1", t0, 300, models.ReasonLeave)
	c.SessionID = ""
	if _, err := repo.CloseSession(ctx, c); !errors.Is(err, ErrMissingSessionID) {
		t.Fatalf("close err = %v, want ErrMissingSessionID", err)
	}
	if err := repo.OpenSession(ctx, "", "u1", "g1", t0); !errors.Is(err, ErrMissingSessionID) {
		t.Fatalf("open err = %v, want ErrMissingSessionID", err)
	}
}

func TestCloseWithUnknownSessionIDInserts(t *testing.T) {
	repo := openTempRepository(t, 0)
	c := closeFor("u1", t0, 300, models.ReasonLeave)
	c.SessionID = "missing-row"

	res, err := repo.CloseSession(context.Background(), c)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Duplicate || res.SessionID != "missing-row" || res.TotalSeconds != 300 {
		t.Fatalf("result = %+v", res)
	}
}

func TestConcurrentClosesSerialize(t *testing.T) {
	repo := openTempRepository(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		start := t0.Add(time.Duration(i) * time.Hour)
		go func() {
			defer wg.Done()
			_, err := repo.CloseSession(ctx, closeFor("same", start, 360, models.ReasonLeave))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := repo.CloseSession(ctx, closeFor("other", start, 720, models.ReasonLeave))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	same, err := repo.UserStats(ctx, "same", "g1", t0)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if same.TotalSeconds != 3600 || same.XP != 1 {
		t.Fatalf("same = %+v, want 3600s and 1 xp", same)
	}
	other, _ := repo.UserStats(ctx, "other", "g1", t0)
	if other.TotalSeconds != 7200 || other.XP != 2 {
		t.Fatalf("other = %+v, want 7200s and 2 xp", other)
	}
}

func TestActivityDayIsIdempotent(t *testing.T) {
	repo := openTempRepository(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := repo.CloseSession(ctx, closeFor("u1", t0.Add(time.Duration(i)*time.Hour), 300, models.ReasonLeave)); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	days, err := repo.ActivityDaysBetween(ctx, "u1", "g1", t0, t0)
	if err != nil {
		t.Fatalf("days: %v", err)
	}
	if len(days) != 1 || days[0] != "2026-03-10" {
		t.Fatalf("days = %v", days)
	}
}

func TestActivityDayUsesConfiguredCalendar(t *testing.T) {
	repo := openTempRepository(t, 0)
	repo.loc = time.FixedZone("UTC+9", 9*3600)

	// 20:00 UTC is already the next day at UTC+9
	start := time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC)
	if _, err := repo.CloseSession(context.Background(), closeFor("u1", start, 3600, models.ReasonLeave)); err != nil {
		t.Fatalf("close: %v", err)
	}
	days, _ := repo.ActivityDaysBetween(context.Background(), "u1", "g1", start, start.AddDate(0, 0, 2))
	if len(days) != 1 || days[0] != "2026-03-11" {
		t.Fatalf("days = %v, want 2026-03-11", days)
	}
}

func TestGrantXPLevelsUp(t *testing.T) {
	repo := openTempRepository(t, 0)
	ctx := context.Background()

	res, err := repo.GrantXP(ctx, "u1", "g1", 150, t0)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if res.OldLevel != 1 || res.NewLevel != 2 || res.TotalXP != 150 || !res.LeveledUp() {
		t.Fatalf("grant = %+v", res)
	}

	stats, _ := repo.UserStats(ctx, "u1", "g1", t0)
	if stats.Level != 2 || stats.LevelTitle != "two" || stats.XPIntoLevel != 50 || stats.XPNeeded != 150 {
		t.Fatalf("stats = %+v", stats)
	}

	noop, err := repo.GrantXP(ctx, "u1", "g1", -20, t0)
	if err != nil {
		t.Fatalf("negative grant: %v", err)
	}
	if noop.Credited || noop.TotalXP != 150 {
		t.Fatalf("negative grant = %+v, want no change", noop)
	}
}

func TestStoredLevelTracksXP(t *testing.T) {
	repo := openTempRepository(t, 0)
	ctx := context.Background()

	if _, err := repo.CloseSession(ctx, closeFor("u1", t0, 100*3600, models.ReasonLeave)); err != nil {
		t.Fatalf("close: %v", err)
	}
	var level int
	var title string
	err := repo.db.conn.QueryRow(`SELECT level, level_name FROM users WHERE user_id = 'u1'`).Scan(&level, &title)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if level != 2 || title != "two" {
		t.Fatalf("stored level = %d %q, want 2 two", level, title)
	}
}

func TestReconcileLevels(t *testing.T) {
	repo := openTempRepository(t, 0)
	ctx := context.Background()

	if _, err := repo.GrantXP(ctx, "u1", "g1", 300, t0); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := repo.EnsureUser(ctx, "u2", "g1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := repo.db.conn.Exec(`UPDATE users SET level = 1, level_name = 'stale' WHERE user_id = 'u1'`); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	n, err := repo.ReconcileLevels(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("reconciled %d rows, want 1", n)
	}
	var level int
	_ = repo.db.conn.QueryRow(`SELECT level FROM users WHERE user_id = 'u1'`).Scan(&level)
	if level != 3 {
		t.Fatalf("level = %d, want 3", level)
	}
}

func TestResetProgressKeepsHistory(t *testing.T) {
	repo := openTempRepository(t, 0)
	ctx := context.Background()

	if _, err := repo.CloseSession(ctx, closeFor("u1", t0, 7200, models.ReasonLeave)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := repo.ResetProgress(ctx, "u1", "g1"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	stats, _ := repo.UserStats(ctx, "u1", "g1", t0)
	if stats.TotalSeconds != 0 || stats.XP != 0 || stats.StreakDays != 0 {
		t.Fatalf("stats = %+v, want zeroed", stats)
	}
	history, _ := repo.SessionHistory(ctx, "u1", "g1", 10)
	if len(history) != 1 {
		t.Fatalf("history len = %d, want 1", len(history))
	}
}

func TestMembershipUpserts(t *testing.T) {
	repo := openTempRepository(t, 0)
	ctx := context.Background()

	if err := repo.EnsureUsers(ctx, "g1", []string{"u1", "u2"}); err != nil {
		t.Fatalf("ensure users: %v", err)
	}
	if err := repo.SetNicknames(ctx, "g1", map[string]string{"u1": "Ada", "u3": "Lin"}); err != nil {
		t.Fatalf("nicknames: %v", err)
	}
	if err := repo.SetMemberNumbers(ctx, "g1", map[string]string{"u1": "26031001"}); err != nil {
		t.Fatalf("member numbers: %v", err)
	}
	if err := repo.SetStatus(ctx, "u2", "g1", "left"); err != nil {
		t.Fatalf("status: %v", err)
	}

	stats, _ := repo.UserStats(ctx, "u1", "g1", t0)
	if stats.Nickname != "Ada" || stats.MemberNumber != "26031001" {
		t.Fatalf("stats = %+v", stats)
	}
	lin, _ := repo.UserStats(ctx, "u3", "g1", t0)
	if lin == nil || lin.Nickname != "Lin" {
		t.Fatalf("u3 = %+v", lin)
	}
	var status string
	_ = repo.db.conn.QueryRow(`SELECT status FROM users WHERE user_id = 'u2'`).Scan(&status)
	if status != "left" {
		t.Fatalf("status = %q, want left", status)
	}
}
