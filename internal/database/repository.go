package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"focusbot/internal/leveling"
	"focusbot/internal/models"
)

// DayLayout is the storage format of activity days.
const DayLayout = "2006-01-02"

// ErrMissingSessionID is returned when a session write carries no id. Ids are
// chosen by the caller so that retried writes land on the same row.
var ErrMissingSessionID = errors.New("session id is required")

// Options tune how the repository credits closed sessions.
type Options struct {
	MinEligibleSeconds int64
	Location           *time.Location // calendar for activity days; UTC when nil
}

// Repository handles database operations
type Repository struct {
	db         *DB
	policy     *leveling.Policy
	minSeconds int64
	loc        *time.Location
}

// NewRepository creates a new repository
func NewRepository(db *DB, policy *leveling.Policy, opts Options) *Repository {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Repository{
		db:         db,
		policy:     policy,
		minSeconds: max(0, opts.MinEligibleSeconds),
		loc:        loc,
	}
}

// Policy returns the progression policy aggregates are computed with.
func (r *Repository) Policy() *leveling.Policy {
	return r.policy
}

func (r *Repository) ensureUser(ctx context.Context, q execer, userID, guildID string) error {
	_, err := q.ExecContext(ctx, r.db.rebind(`
		INSERT INTO users (user_id, guild_id, status, level, level_name)
		VALUES (?, ?, 'active', 1, ?)
		ON CONFLICT (user_id, guild_id) DO NOTHING`),
		userID, guildID, r.policy.Title(1))
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EnsureUser creates the aggregate row for a user if it does not exist yet
func (r *Repository) EnsureUser(ctx context.Context, userID, guildID string) error {
	return r.ensureUser(ctx, r.db.conn, userID, guildID)
}

// EnsureUsers bulk creates aggregate rows for a guild. Safe to call repeatedly.
func (r *Repository) EnsureUsers(ctx context.Context, guildID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, userID := range userIDs {
			if err := r.ensureUser(ctx, tx, userID, guildID); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetNicknames upserts display names for many users at once
func (r *Repository) SetNicknames(ctx context.Context, guildID string, nicknames map[string]string) error {
	return r.upsertColumn(ctx, guildID, "nickname", nicknames)
}

// SetMemberNumbers upserts member numbers for many users at once
func (r *Repository) SetMemberNumbers(ctx context.Context, guildID string, numbers map[string]string) error {
	return r.upsertColumn(ctx, guildID, "student_no", numbers)
}

// upsertColumn writes one of the display columns; column is never user input.
func (r *Repository) upsertColumn(ctx context.Context, guildID, column string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	query := r.db.rebind(fmt.Sprintf(`
		INSERT INTO users (user_id, guild_id, level_name, %[1]s)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, guild_id) DO UPDATE SET %[1]s = EXCLUDED.%[1]s`, column))

	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		for userID, value := range values {
			if _, err := tx.ExecContext(ctx, query, userID, guildID, r.policy.Title(1), value); err != nil {
				return fmt.Errorf("failed to set %s: %w", column, err)
			}
		}
		return nil
	})
}

// SetStatus marks a member active or left
func (r *Repository) SetStatus(ctx context.Context, userID, guildID, status string) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.ensureUser(ctx, tx, userID, guildID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, r.db.rebind(
			`UPDATE users SET status = ? WHERE user_id = ? AND guild_id = ?`),
			status, userID, guildID)
		if err != nil {
			return fmt.Errorf("failed to set status: %w", err)
		}
		return nil
	})
}

// ResetProgress drops activity days and zeroes the aggregate while keeping
// session history.
func (r *Repository) ResetProgress(ctx context.Context, userID, guildID string) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.db.rebind(
			`DELETE FROM daily_streaks WHERE user_id = ? AND guild_id = ?`),
			userID, guildID); err != nil {
			return fmt.Errorf("failed to delete activity days: %w", err)
		}
		if _, err := tx.ExecContext(ctx, r.db.rebind(`
			UPDATE users
			SET xp = 0, total_seconds = 0, level = 1, level_name = ?, last_seen_at = NULL
			WHERE user_id = ? AND guild_id = ?`),
			r.policy.Title(1), userID, guildID); err != nil {
			return fmt.Errorf("failed to reset aggregate: %w", err)
		}
		return nil
	})
}

// OpenSession persists an in-flight session under the caller's id so recovery
// can find it after a crash. Repeating it with the same id is a no-op.
func (r *Repository) OpenSession(ctx context.Context, sessionID, userID, guildID string, start time.Time) error {
	if sessionID == "" {
		return ErrMissingSessionID
	}
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.ensureUser(ctx, tx, userID, guildID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, r.db.rebind(`
			INSERT INTO voice_sessions (session_id, user_id, guild_id, started_at, ended_at, duration_seconds, credited)
			VALUES (?, ?, ?, ?, NULL, 0, 0)
			ON CONFLICT (session_id) DO NOTHING`),
			sessionID, userID, guildID, start.Unix())
		if err != nil {
			return fmt.Errorf("failed to open session: %w", err)
		}
		return nil
	})
}

// ListOpenSessions returns every session without an end time, oldest first
func (r *Repository) ListOpenSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT session_id, user_id, guild_id, started_at
		FROM voice_sessions
		WHERE ended_at IS NULL
		ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		var started int64
		if err := rows.Scan(&s.ID, &s.UserID, &s.GuildID, &started); err != nil {
			return nil, fmt.Errorf("failed to scan open session: %w", err)
		}
		s.StartedAt = time.Unix(started, 0).UTC()
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	return sessions, nil
}

// eligible applies the minimum-duration gate. Move segments are always
// credited: the user is still in voice, only the channel changed.
func (r *Repository) eligible(c models.SessionClose) bool {
	if c.Reason == models.ReasonMove {
		return true
	}
	return c.Duration >= r.minSeconds
}

// CloseSession finalizes a session and updates the aggregate in one
// transaction: the session row is always written, while seconds, XP, level
// and the activity day move only for eligible durations. Closing an already
// closed session is reported as a duplicate and changes nothing.
func (r *Repository) CloseSession(ctx context.Context, c models.SessionClose) (models.CloseResult, error) {
	if c.SessionID == "" {
		return models.CloseResult{}, ErrMissingSessionID
	}
	if c.Duration < 0 {
		log.Printf("Warning: negative duration %ds for user=%s guild=%s, storing 0", c.Duration, c.UserID, c.GuildID)
		c.Duration = 0
	}
	credited := r.eligible(c)

	var result models.CloseResult
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		result = models.CloseResult{}

		if err := r.ensureUser(ctx, tx, c.UserID, c.GuildID); err != nil {
			return err
		}

		id, duplicate, err := r.writeSession(ctx, tx, c, credited)
		if err != nil {
			return err
		}
		result.SessionID = id

		var priorSeconds, priorXP int64
		err = tx.QueryRowContext(ctx, r.db.rebind(`
			SELECT total_seconds, xp FROM users
			WHERE user_id = ? AND guild_id = ?`+r.db.forUpdate()),
			c.UserID, c.GuildID).Scan(&priorSeconds, &priorXP)
		if err != nil {
			return fmt.Errorf("failed to read aggregate: %w", err)
		}

		oldLevel := r.policy.LevelFor(priorXP)
		result.OldLevel = oldLevel
		result.NewLevel = oldLevel
		result.TotalSeconds = priorSeconds
		result.TotalXP = priorXP
		result.Duplicate = duplicate

		if duplicate || !credited {
			return nil
		}

		gain := r.policy.CumulativeXPDelta(priorSeconds, c.Duration)
		totalSeconds := priorSeconds + c.Duration
		totalXP := priorXP + gain
		newLevel := r.policy.LevelFor(totalXP)

		_, err = tx.ExecContext(ctx, r.db.rebind(`
			UPDATE users
			SET total_seconds = ?, xp = ?, level = ?, level_name = ?, last_seen_at = ?
			WHERE user_id = ? AND guild_id = ?`),
			totalSeconds, totalXP, newLevel, r.policy.Title(newLevel), c.End.Unix(),
			c.UserID, c.GuildID)
		if err != nil {
			return fmt.Errorf("failed to update aggregate: %w", err)
		}

		if err := r.markDay(ctx, tx, c.UserID, c.GuildID, c.End); err != nil {
			return err
		}

		result.XPGained = gain
		result.TotalSeconds = totalSeconds
		result.TotalXP = totalXP
		result.NewLevel = newLevel
		result.Credited = true
		return nil
	})
	if err != nil {
		return models.CloseResult{}, err
	}
	return result, nil
}

// writeSession finalizes the open row for c.SessionID, or inserts it closed
// when no such row exists. duplicate is true when the row was already closed.
func (r *Repository) writeSession(ctx context.Context, tx *sql.Tx, c models.SessionClose, credited bool) (string, bool, error) {
	res, err := tx.ExecContext(ctx, r.db.rebind(`
		UPDATE voice_sessions
		SET ended_at = ?, duration_seconds = ?, credited = ?
		WHERE session_id = ? AND ended_at IS NULL`),
		c.End.Unix(), c.Duration, boolInt(credited), c.SessionID)
	if err != nil {
		return "", false, fmt.Errorf("failed to finalize session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to finalize session: %w", err)
	}
	if n == 1 {
		return c.SessionID, false, nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, r.db.rebind(
		`SELECT 1 FROM voice_sessions WHERE session_id = ?`), c.SessionID).Scan(&exists)
	switch {
	case err == nil:
		return c.SessionID, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", false, fmt.Errorf("failed to look up session: %w", err)
	}

	_, err = tx.ExecContext(ctx, r.db.rebind(`
		INSERT INTO voice_sessions (session_id, user_id, guild_id, started_at, ended_at, duration_seconds, credited)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.SessionID, c.UserID, c.GuildID, c.Start.Unix(), c.End.Unix(), c.Duration, boolInt(credited))
	if err != nil {
		return "", false, fmt.Errorf("failed to insert session: %w", err)
	}
	return c.SessionID, false, nil
}

func (r *Repository) markDay(ctx context.Context, tx *sql.Tx, userID, guildID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, r.db.rebind(`
		INSERT INTO daily_streaks (user_id, guild_id, streak_date)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, guild_id, streak_date) DO NOTHING`),
		userID, guildID, at.In(r.loc).Format(DayLayout))
	if err != nil {
		return fmt.Errorf("failed to record activity day: %w", err)
	}
	return nil
}

// GrantXP adds delta XP outside of voice time (posts, admin grants). Only
// positive deltas change anything.
func (r *Repository) GrantXP(ctx context.Context, userID, guildID string, delta int64, at time.Time) (models.CloseResult, error) {
	var result models.CloseResult
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		result = models.CloseResult{}

		if err := r.ensureUser(ctx, tx, userID, guildID); err != nil {
			return err
		}

		var seconds, priorXP int64
		err := tx.QueryRowContext(ctx, r.db.rebind(`
			SELECT total_seconds, xp FROM users
			WHERE user_id = ? AND guild_id = ?`+r.db.forUpdate()),
			userID, guildID).Scan(&seconds, &priorXP)
		if err != nil {
			return fmt.Errorf("failed to read aggregate: %w", err)
		}

		result.OldLevel = r.policy.LevelFor(priorXP)
		result.NewLevel = result.OldLevel
		result.TotalXP = priorXP
		result.TotalSeconds = seconds
		if delta <= 0 {
			return nil
		}

		totalXP := priorXP + delta
		newLevel := r.policy.LevelFor(totalXP)
		_, err = tx.ExecContext(ctx, r.db.rebind(`
			UPDATE users
			SET xp = ?, level = ?, level_name = ?, last_seen_at = ?
			WHERE user_id = ? AND guild_id = ?`),
			totalXP, newLevel, r.policy.Title(newLevel), at.Unix(), userID, guildID)
		if err != nil {
			return fmt.Errorf("failed to grant xp: %w", err)
		}

		result.XPGained = delta
		result.TotalXP = totalXP
		result.NewLevel = newLevel
		result.Credited = true
		return nil
	})
	if err != nil {
		return models.CloseResult{}, err
	}
	return result, nil
}

// ReconcileLevels recomputes the stored level and title from XP for every
// row whose denormalized values disagree with the policy.
func (r *Repository) ReconcileLevels(ctx context.Context) (int, error) {
	type row struct {
		userID, guildID, title string
		xp                     int64
		level                  int
	}

	rows, err := r.db.conn.QueryContext(ctx, `SELECT user_id, guild_id, xp, level, level_name FROM users`)
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}
	var stale []row
	for rows.Next() {
		var rw row
		if err := rows.Scan(&rw.userID, &rw.guildID, &rw.xp, &rw.level, &rw.title); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan user: %w", err)
		}
		level := r.policy.LevelFor(rw.xp)
		if level != rw.level || r.policy.Title(level) != rw.title {
			stale = append(stale, rw)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	updated := 0
	for _, rw := range stale {
		// xp is re-checked so a concurrent close is never overwritten
		res, err := r.db.conn.ExecContext(ctx, r.db.rebind(`
			UPDATE users SET level = ?, level_name = ?
			WHERE user_id = ? AND guild_id = ? AND xp = ?`),
			r.policy.LevelFor(rw.xp), r.policy.Title(r.policy.LevelFor(rw.xp)), rw.userID, rw.guildID, rw.xp)
		if err != nil {
			return updated, fmt.Errorf("failed to reconcile level: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			updated++
		}
	}
	return updated, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
