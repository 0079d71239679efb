package models

import "time"

// VoiceSession is the tracker's entry for a user currently in voice.
type VoiceSession struct {
	Start     time.Time
	SessionID string // assigned on enter, before any store call
}

// CloseReason records why a session was finalized.
type CloseReason string

const (
	ReasonLeave    CloseReason = "leave"
	ReasonMove     CloseReason = "move"
	ReasonRecovery CloseReason = "recovery"
	ReasonShutdown CloseReason = "shutdown"
)

// SessionClose is one request to finalize a session.
type SessionClose struct {
	SessionID string
	UserID    string
	GuildID   string
	Start     time.Time
	End       time.Time
	Duration  int64
	Reason    CloseReason
}

// CloseResult reports the effect of a close or an XP grant on the aggregate.
type CloseResult struct {
	SessionID    string
	XPGained     int64
	TotalXP      int64
	TotalSeconds int64
	OldLevel     int
	NewLevel     int
	Credited     bool // aggregates, XP and activity day were updated
	Duplicate    bool // the session was already closed; nothing changed
}

// LeveledUp reports whether the level increased.
func (r CloseResult) LeveledUp() bool {
	return r.NewLevel > r.OldLevel
}

// Session is a persisted voice session row.
type Session struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	GuildID         string     `json:"guild_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	Credited        bool       `json:"credited"`
}

// UserStats is the read model for one member of a guild.
type UserStats struct {
	UserID       string     `json:"user_id"`
	GuildID      string     `json:"guild_id"`
	Nickname     string     `json:"nickname,omitempty"`
	MemberNumber string     `json:"member_number,omitempty"`
	TotalSeconds int64      `json:"total_seconds"`
	TodaySeconds int64      `json:"today_seconds"`
	WeekSeconds  int64      `json:"week_seconds"`
	MonthSeconds int64      `json:"month_seconds"`
	XP           int64      `json:"xp"`
	Level        int        `json:"level"`
	LevelTitle   string     `json:"level_title"`
	XPIntoLevel  int64      `json:"xp_into_level"`
	XPNeeded     int64      `json:"xp_needed"`
	XPToNext     int64      `json:"xp_to_next"`
	Progress     float64    `json:"progress"`
	StreakDays   int        `json:"streak_days"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
}

// MonthDays lists the days of one month with activity.
type MonthDays struct {
	Year  int   `json:"year"`
	Month int   `json:"month"`
	Days  []int `json:"days"`
	Today int   `json:"today,omitempty"` // zero when today is outside the month
}
