package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"focusbot/internal/models"
)

// streakLookback bounds how far back the current streak is searched.
const streakLookback = 400

// UserStats returns the read model for a user, or nil when the user has no
// aggregate row. Period boundaries are taken in the repository's calendar;
// weeks start on Monday.
func (r *Repository) UserStats(ctx context.Context, userID, guildID string, now time.Time) (*models.UserStats, error) {
	today, week, month := periodStarts(now.In(r.loc))

	var (
		stats    models.UserStats
		lastSeen sql.NullInt64
	)
	err := r.db.conn.QueryRowContext(ctx, r.db.rebind(`
		SELECT
			u.total_seconds,
			u.xp,
			COALESCE(u.nickname, ''),
			COALESCE(u.student_no, ''),
			u.last_seen_at,
			COALESCE(SUM(CASE WHEN vs.ended_at >= ? THEN vs.duration_seconds END), 0),
			COALESCE(SUM(CASE WHEN vs.ended_at >= ? THEN vs.duration_seconds END), 0),
			COALESCE(SUM(CASE WHEN vs.ended_at >= ? THEN vs.duration_seconds END), 0)
		FROM users u
		LEFT JOIN voice_sessions vs
			ON vs.user_id = u.user_id AND vs.guild_id = u.guild_id
			AND vs.ended_at IS NOT NULL AND vs.credited = 1
		WHERE u.user_id = ? AND u.guild_id = ?
		GROUP BY u.total_seconds, u.xp, u.nickname, u.student_no, u.last_seen_at`),
		today.Unix(), week.Unix(), month.Unix(), userID, guildID,
	).Scan(
		&stats.TotalSeconds, &stats.XP, &stats.Nickname, &stats.MemberNumber, &lastSeen,
		&stats.TodaySeconds, &stats.WeekSeconds, &stats.MonthSeconds,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}

	stats.UserID = userID
	stats.GuildID = guildID
	if lastSeen.Valid {
		t := time.Unix(lastSeen.Int64, 0).UTC()
		stats.LastSeenAt = &t
	}

	progress := r.policy.Progress(stats.XP)
	stats.Level = progress.Level
	stats.LevelTitle = r.policy.Title(progress.Level)
	stats.XPIntoLevel = progress.XPIntoLevel
	stats.XPNeeded = progress.XPNeeded
	stats.XPToNext = progress.XPToNext
	stats.Progress = progress.Ratio

	days, err := r.ActivityDaysBetween(ctx, userID, guildID, today.AddDate(0, 0, -streakLookback), today)
	if err != nil {
		return nil, err
	}
	stats.StreakDays = CurrentStreak(days, today)

	return &stats, nil
}

// ActivityDaysBetween returns the activity days in [from, to] as sorted
// YYYY-MM-DD strings. Only the calendar dates of from and to matter.
func (r *Repository) ActivityDaysBetween(ctx context.Context, userID, guildID string, from, to time.Time) ([]string, error) {
	rows, err := r.db.conn.QueryContext(ctx, r.db.rebind(`
		SELECT streak_date FROM daily_streaks
		WHERE user_id = ? AND guild_id = ? AND streak_date >= ? AND streak_date <= ?
		ORDER BY streak_date`),
		userID, guildID, from.Format(DayLayout), to.Format(DayLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to get activity days: %w", err)
	}
	defer rows.Close()

	days := []string{}
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, fmt.Errorf("failed to scan activity day: %w", err)
		}
		days = append(days, day)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get activity days: %w", err)
	}
	return days, nil
}

// RecentActivityDays returns the activity days within the last n days
// including today.
func (r *Repository) RecentActivityDays(ctx context.Context, userID, guildID string, n int, now time.Time) ([]string, error) {
	today := now.In(r.loc)
	return r.ActivityDaysBetween(ctx, userID, guildID, today.AddDate(0, 0, -n), today)
}

// MonthActivityDays returns the day numbers of year/month with activity.
func (r *Repository) MonthActivityDays(ctx context.Context, userID, guildID string, year int, month time.Month, now time.Time) (*models.MonthDays, error) {
	first := time.Date(year, month, 1, 0, 0, 0, 0, r.loc)
	last := first.AddDate(0, 1, -1)

	days, err := r.ActivityDaysBetween(ctx, userID, guildID, first, last)
	if err != nil {
		return nil, err
	}

	out := &models.MonthDays{Year: year, Month: int(month), Days: make([]int, 0, len(days))}
	for _, day := range days {
		t, err := time.ParseInLocation(DayLayout, day, r.loc)
		if err != nil {
			continue
		}
		out.Days = append(out.Days, t.Day())
	}

	local := now.In(r.loc)
	if local.Year() == year && local.Month() == month {
		out.Today = local.Day()
	}
	return out, nil
}

// SessionHistory returns the most recent sessions, newest first, including
// open and uncredited ones.
func (r *Repository) SessionHistory(ctx context.Context, userID, guildID string, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.conn.QueryContext(ctx, r.db.rebind(`
		SELECT session_id, started_at, ended_at, duration_seconds, credited
		FROM voice_sessions
		WHERE user_id = ? AND guild_id = ?
		ORDER BY started_at DESC, session_id
		LIMIT ?`),
		userID, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get session history: %w", err)
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var (
			s        models.Session
			started  int64
			ended    sql.NullInt64
			credited int
		)
		if err := rows.Scan(&s.ID, &started, &ended, &s.DurationSeconds, &credited); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.UserID = userID
		s.GuildID = guildID
		s.StartedAt = time.Unix(started, 0).UTC()
		if ended.Valid {
			t := time.Unix(ended.Int64, 0).UTC()
			s.EndedAt = &t
		}
		s.Credited = credited != 0
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get session history: %w", err)
	}
	return sessions, nil
}

// CurrentStreak counts consecutive activity days ending today, or ending
// yesterday when today has no activity yet.
func CurrentStreak(days []string, today time.Time) int {
	set := make(map[string]bool, len(days))
	for _, d := range days {
		set[d] = true
	}

	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())
	if !set[day.Format(DayLayout)] {
		day = day.AddDate(0, 0, -1)
	}

	streak := 0
	for set[day.Format(DayLayout)] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}

// periodStarts returns the start of the day, ISO week and month containing t.
func periodStarts(t time.Time) (day, week, month time.Time) {
	day = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := (int(day.Weekday()) + 6) % 7
	week = day.AddDate(0, 0, -offset)
	month = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return day, week, month
}
