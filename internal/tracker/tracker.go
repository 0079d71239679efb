// Package tracker owns the in-memory table of members currently in voice.
//
// The table is split into shards; each shard is driven by one worker
// goroutine, and every event for a (guild, user) key is routed to the same
// shard, so transitions for one key are applied in submission order while
// different keys proceed concurrently.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"focusbot/internal/models"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("tracker stopped")

// Store is the durable side of the tracker. Session ids are chosen by the
// tracker; both calls must be safe to repeat with the same id.
type Store interface {
	OpenSession(ctx context.Context, sessionID, userID, guildID string, start time.Time) error
	CloseSession(ctx context.Context, c models.SessionClose) (models.CloseResult, error)
}

// Notifier is told about closes that raised a member's level.
type Notifier interface {
	NotifyLevelUp(userID, guildID string, res models.CloseResult)
}

// Kind classifies a voice state change.
type Kind int

const (
	Noop Kind = iota
	Enter
	Leave
	Move
)

func (k Kind) String() string {
	switch k {
	case Enter:
		return "enter"
	case Leave:
		return "leave"
	case Move:
		return "move"
	default:
		return "noop"
	}
}

// Event is one observed voice state change. Empty channel ids mean "not in
// voice".
type Event struct {
	UserID          string
	GuildID         string
	BeforeChannelID string
	AfterChannelID  string
	At              time.Time
}

// Kind reports which transition the event triggers.
func (e Event) Kind() Kind {
	switch {
	case e.BeforeChannelID == "" && e.AfterChannelID != "":
		return Enter
	case e.BeforeChannelID != "" && e.AfterChannelID == "":
		return Leave
	case e.BeforeChannelID != "" && e.AfterChannelID != "" && e.BeforeChannelID != e.AfterChannelID:
		return Move
	default:
		return Noop
	}
}

func (e Event) key() string {
	return e.GuildID + ":" + e.UserID
}

// Options tunes the worker pool and the persistence retry.
type Options struct {
	Workers        int
	QueueSize      int
	PersistTimeout time.Duration // bound on a single store call
	MaxAttempts    uint          // store calls per write, including the first
	RetryInterval  time.Duration // initial backoff between attempts
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.QueueSize < 1 {
		o.QueueSize = 256
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 200 * time.Millisecond
	}
	return o
}

type shard struct {
	events chan Event

	mu      sync.Mutex
	entries map[string]models.VoiceSession
}

// Tracker routes voice events to sharded workers that maintain the active
// session table and hand closes to the Store.
type Tracker struct {
	store    Store
	opts     Options
	shards   []*shard
	notifier Notifier

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New creates a tracker. Call Start before Submit.
func New(store Store, opts Options) *Tracker {
	opts = opts.withDefaults()
	t := &Tracker{
		store:  store,
		opts:   opts,
		shards: make([]*shard, opts.Workers),
	}
	for i := range t.shards {
		t.shards[i] = &shard{
			events:  make(chan Event, opts.QueueSize),
			entries: make(map[string]models.VoiceSession),
		}
	}
	return t
}

// SetNotifier registers the level-up receiver. It must be called before Start.
func (t *Tracker) SetNotifier(n Notifier) {
	t.notifier = n
}

// Start launches one worker per shard.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true
	for _, s := range t.shards {
		t.wg.Add(1)
		go t.run(s)
	}
}

// Submit queues an event for its key's worker. It blocks while that worker's
// queue is full.
func (t *Tracker) Submit(e Event) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.stopped {
		return ErrStopped
	}
	t.shardFor(e.key()).events <- e
	return nil
}

// Stop refuses new events and waits until every queued event is applied.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	for _, s := range t.shards {
		close(s.events)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// Active returns the open entry for a member, if any.
func (t *Tracker) Active(guildID, userID string) (models.VoiceSession, bool) {
	key := guildID + ":" + userID
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok
}

// Len returns the number of members currently tracked in voice.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// FlushAll closes every open entry at the given time as a shutdown close and
// returns how many were persisted. Call it after Stop. Level-ups are logged
// rather than sent to the notifier, whose session may already be closed.
func (t *Tracker) FlushAll(ctx context.Context, at time.Time) int {
	flushed := 0
	for _, s := range t.shards {
		s.mu.Lock()
		entries := s.entries
		s.entries = make(map[string]models.VoiceSession)
		s.mu.Unlock()

		for key, v := range entries {
			guildID, userID := splitKey(key)
			res, err := t.close(ctx, userID, guildID, v, at, models.ReasonShutdown, false)
			if err != nil {
				log.Printf("Error flushing voice session %s: %v (left open for recovery)", v.SessionID, err)
				continue
			}
			if res.LeveledUp() {
				log.Printf("User %s in guild %s reached level %d on shutdown, not announced", userID, guildID, res.NewLevel)
			}
			flushed++
		}
	}
	return flushed
}

func (t *Tracker) run(s *shard) {
	defer t.wg.Done()
	for e := range s.events {
		t.apply(context.Background(), s, e)
	}
}

// apply performs the transition for e. Only the shard's worker calls it.
func (t *Tracker) apply(ctx context.Context, s *shard, e Event) {
	key := e.key()

	switch e.Kind() {
	case Enter:
		if v, ok := s.get(key); ok {
			// Repeated enter, e.g. a resent GuildCreate: close the old
			// entry as a continuous segment before replacing it.
			if _, err := t.close(ctx, e.UserID, e.GuildID, v, e.At, models.ReasonMove, true); err != nil {
				log.Printf("Error closing voice session %s on repeated enter: %v (keeping existing entry)", v.SessionID, err)
				return
			}
			log.Printf("Duplicate voice enter for user=%s guild=%s, replacing entry", e.UserID, e.GuildID)
		}
		s.put(key, t.open(ctx, e.UserID, e.GuildID, e.At))
		log.Printf("Voice session started: user=%s guild=%s channel=%s", e.UserID, e.GuildID, e.AfterChannelID)

	case Leave:
		v, ok := s.take(key)
		if !ok {
			log.Printf("Voice leave without open entry for user=%s guild=%s, ignoring", e.UserID, e.GuildID)
			return
		}
		res, err := t.close(ctx, e.UserID, e.GuildID, v, e.At, models.ReasonLeave, true)
		if err != nil {
			log.Printf("Error closing voice session %s: %v (left open for recovery)", v.SessionID, err)
			return
		}
		log.Printf("Voice session ended: user=%s guild=%s +%ds xp=+%d credited=%t",
			e.UserID, e.GuildID, e.At.Unix()-v.Start.Unix(), res.XPGained, res.Credited)

	case Move:
		v, ok := s.get(key)
		if !ok {
			s.put(key, t.open(ctx, e.UserID, e.GuildID, e.At))
			log.Printf("Voice move without open entry for user=%s guild=%s, starting session", e.UserID, e.GuildID)
			return
		}
		if _, err := t.close(ctx, e.UserID, e.GuildID, v, e.At, models.ReasonMove, true); err != nil {
			// The entry stays; the next close covers the whole interval.
			log.Printf("Error closing voice segment for user=%s guild=%s: %v", e.UserID, e.GuildID, err)
			return
		}
		s.put(key, t.open(ctx, e.UserID, e.GuildID, e.At))
		log.Printf("Voice session moved: user=%s guild=%s %s -> %s", e.UserID, e.GuildID, e.BeforeChannelID, e.AfterChannelID)
	}
}

// open assigns the entry its session id and persists the open row. A failed
// insert still yields an in-memory entry; its close inserts the full row
// under the same id.
func (t *Tracker) open(ctx context.Context, userID, guildID string, at time.Time) models.VoiceSession {
	v := models.VoiceSession{Start: at, SessionID: uuid.NewString()}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, t.opts.PersistTimeout)
		defer cancel()
		return struct{}{}, t.store.OpenSession(opCtx, v.SessionID, userID, guildID, at)
	}, backoff.WithBackOff(t.newBackOff()), backoff.WithMaxTries(t.opts.MaxAttempts))
	if err != nil {
		log.Printf("Warning: failed to persist open voice session %s for user=%s guild=%s: %v", v.SessionID, userID, guildID, err)
	}
	return v
}

// close hands the interval to the store, retrying transient failures. Every
// attempt carries the entry's session id, so a retry after a lost commit is
// reported as a duplicate instead of writing a second row.
func (t *Tracker) close(ctx context.Context, userID, guildID string, v models.VoiceSession, end time.Time, reason models.CloseReason, notify bool) (models.CloseResult, error) {
	duration := end.Unix() - v.Start.Unix()
	if duration < 0 {
		log.Printf("Warning: negative voice duration %ds for user=%s guild=%s, using 0", duration, userID, guildID)
		duration = 0
	}
	req := models.SessionClose{
		SessionID: v.SessionID,
		UserID:    userID,
		GuildID:   guildID,
		Start:     v.Start,
		End:       end,
		Duration:  duration,
		Reason:    reason,
	}

	res, err := backoff.Retry(ctx, func() (models.CloseResult, error) {
		opCtx, cancel := context.WithTimeout(ctx, t.opts.PersistTimeout)
		defer cancel()
		return t.store.CloseSession(opCtx, req)
	}, backoff.WithBackOff(t.newBackOff()), backoff.WithMaxTries(t.opts.MaxAttempts))
	if err != nil {
		return models.CloseResult{}, fmt.Errorf("failed to persist %s close: %w", reason, err)
	}

	if res.Duplicate {
		log.Printf("Voice session %s was already closed, nothing credited", res.SessionID)
	}
	if notify && res.LeveledUp() && t.notifier != nil {
		t.notifier.NotifyLevelUp(userID, guildID, res)
	}
	return res, nil
}

func (t *Tracker) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.RetryInterval
	return b
}

func (t *Tracker) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

func (s *shard) get(key string) (models.VoiceSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok
}

func (s *shard) put(key string, v models.VoiceSession) {
	s.mu.Lock()
	s.entries[key] = v
	s.mu.Unlock()
}

func (s *shard) take(key string) (models.VoiceSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	return v, ok
}

func splitKey(key string) (guildID, userID string) {
	guildID, userID, _ = strings.Cut(key, ":")
	return guildID, userID
}
