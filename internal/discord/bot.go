package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"focusbot/internal/config"
	"focusbot/internal/database"
	"focusbot/internal/models"
	"focusbot/internal/tracker"
	"focusbot/pkg/utils"
)

const requestTimeout = 10 * time.Second

// Bot represents the Discord bot
type Bot struct {
	session    *discordgo.Session
	repository *database.Repository
	tracker    *tracker.Tracker
	cfg        *config.Config

	postChannels map[string]bool
	postCooldown *cooldown
	now          func() time.Time
}

// New creates a new Discord bot. Voice events go to tr; the bot registers
// itself as tr's level-up notifier.
func New(cfg *config.Config, repository *database.Repository, tr *tracker.Tracker) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	// Handlers run one at a time in arrival order so voice events for a
	// member reach the tracker in the order Discord sent them. Handlers that
	// do I/O hand it to a goroutine.
	session.SyncEvents = true

	bot := &Bot{
		session:      session,
		repository:   repository,
		tracker:      tr,
		cfg:          cfg,
		postChannels: cfg.PostXPChannels(),
		postCooldown: newCooldown(time.Duration(cfg.PostXPCooldown) * time.Second),
		now:          time.Now,
	}
	tr.SetNotifier(bot)

	// Add event handlers
	session.AddHandler(bot.ready)
	session.AddHandler(bot.guildCreate)
	session.AddHandler(bot.voiceStateUpdate)
	session.AddHandler(bot.guildMemberAdd)
	session.AddHandler(bot.guildMemberRemove)
	session.AddHandler(bot.guildMemberUpdate)
	session.AddHandler(bot.messageCreate)
	session.AddHandler(bot.threadCreate)

	return bot, nil
}

// Start starts the bot
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	log.Println("✅ Bot is running...")
	return nil
}

// Stop stops the bot
func (b *Bot) Stop() error {
	return b.session.Close()
}

// PruneCooldowns drops expired post-XP cooldown entries.
func (b *Bot) PruneCooldowns(ctx context.Context) error {
	if n := b.postCooldown.prune(b.now()); n > 0 {
		log.Printf("Pruned %d post XP cooldown entries", n)
	}
	return nil
}

func (b *Bot) ready(s *discordgo.Session, r *discordgo.Ready) {
	log.Printf("Logged in as %s (%d guilds)", r.User.Username, len(r.Guilds))
}

// voiceStateUpdate handles voice state updates
func (b *Bot) voiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	e, ok := voiceEvent(vs, b.now().UTC())
	if !ok {
		return
	}
	if err := b.tracker.Submit(e); err != nil {
		if !errors.Is(err, tracker.ErrStopped) {
			log.Printf("Error submitting voice event: %v", err)
		}
	}
}

// voiceEvent converts a gateway update. BeforeUpdate is nil when the member's
// previous state was not cached, which reads as "not in voice".
func voiceEvent(vs *discordgo.VoiceStateUpdate, at time.Time) (tracker.Event, bool) {
	if vs == nil || vs.VoiceState == nil || vs.GuildID == "" {
		return tracker.Event{}, false
	}
	if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
		return tracker.Event{}, false
	}

	e := tracker.Event{
		UserID:         vs.UserID,
		GuildID:        vs.GuildID,
		AfterChannelID: vs.ChannelID,
		At:             at,
	}
	if vs.BeforeUpdate != nil {
		e.BeforeChannelID = vs.BeforeUpdate.ChannelID
	}
	if e.Kind() == tracker.Noop {
		return tracker.Event{}, false
	}
	return e, true
}

// guildCreate provisions member rows and starts sessions for members already
// in voice when the guild becomes available.
func (b *Bot) guildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	self := ""
	if s.State.User != nil {
		self = s.State.User.ID
	}
	at := b.now().UTC()
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == "" || vs.UserID == self {
			continue
		}
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		e := tracker.Event{UserID: vs.UserID, GuildID: g.ID, AfterChannelID: vs.ChannelID, At: at}
		if err := b.tracker.Submit(e); err != nil {
			log.Printf("Error seeding voice session for user=%s guild=%s: %v", vs.UserID, g.ID, err)
		}
	}

	members := append([]*discordgo.Member(nil), g.Members...)
	go b.provisionGuild(g.ID, members, g.MemberCount)
}

func (b *Bot) provisionGuild(guildID string, members []*discordgo.Member, memberCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if len(members) < memberCount {
		fetched, err := b.fetchMembers(guildID)
		if err != nil {
			log.Printf("Warning: member fetch failed for guild %s: %v", guildID, err)
		} else {
			members = fetched
		}
	}

	humans := humanMembers(members)
	ids := make([]string, 0, len(humans))
	nicknames := make(map[string]string, len(humans))
	for _, m := range humans {
		ids = append(ids, m.User.ID)
		nicknames[m.User.ID] = displayName(m)
	}

	if err := b.repository.EnsureUsers(ctx, guildID, ids); err != nil {
		log.Printf("Error ensuring users for guild %s: %v", guildID, err)
		return
	}
	if err := b.repository.SetNicknames(ctx, guildID, nicknames); err != nil {
		log.Printf("Warning: nickname upsert failed for guild %s: %v", guildID, err)
	}
	if err := b.repository.SetMemberNumbers(ctx, guildID, MemberNumbers(humans)); err != nil {
		log.Printf("Warning: member number upsert failed for guild %s: %v", guildID, err)
	}
	log.Printf("Ensured %d user records for guild %s", len(ids), guildID)
}

func (b *Bot) fetchMembers(guildID string) ([]*discordgo.Member, error) {
	var all []*discordgo.Member
	after := ""
	for {
		page, err := b.session.GuildMembers(guildID, after, 1000)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < 1000 {
			return all, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (b *Bot) guildMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	// Same-day joiners come from the state cache, which may already hold m.
	var peers []*discordgo.Member
	if g, err := s.State.Guild(m.GuildID); err == nil {
		peers = append(peers, g.Members...)
	}
	member := m.Member

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		userID, guildID := member.User.ID, member.GuildID
		if err := b.repository.EnsureUser(ctx, userID, guildID); err != nil {
			log.Printf("Error ensuring user on join: %v", err)
			return
		}
		if err := b.repository.SetStatus(ctx, userID, guildID, "active"); err != nil {
			log.Printf("Warning: failed to mark %s active: %v", userID, err)
		}
		if err := b.repository.SetNicknames(ctx, guildID, map[string]string{userID: displayName(member)}); err != nil {
			log.Printf("Warning: failed to store nickname for %s: %v", userID, err)
		}
		numbers := MemberNumbers(humanMembers(append(peers, member)))
		if no, ok := numbers[userID]; ok {
			if err := b.repository.SetMemberNumbers(ctx, guildID, map[string]string{userID: no}); err != nil {
				log.Printf("Warning: failed to store member number for %s: %v", userID, err)
			}
		}
		log.Printf("Ensured user record for joined member %s in guild %s", userID, guildID)
	}()
}

func (b *Bot) guildMemberRemove(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	userID, guildID := m.User.ID, m.GuildID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := b.repository.SetStatus(ctx, userID, guildID, "left"); err != nil {
			log.Printf("Warning: failed to mark %s left: %v", userID, err)
		}
		if !b.cfg.ResetStatsOnLeave {
			log.Printf("Member %s left guild %s; keeping stats", userID, guildID)
			return
		}
		if err := b.repository.ResetProgress(ctx, userID, guildID); err != nil {
			log.Printf("Error resetting stats for %s: %v", userID, err)
			return
		}
		log.Printf("Member %s left guild %s; stats reset", userID, guildID)
	}()
}

func (b *Bot) guildMemberUpdate(s *discordgo.Session, m *discordgo.GuildMemberUpdate) {
	if m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	if m.BeforeUpdate != nil && displayName(m.BeforeUpdate) == displayName(m.Member) {
		return
	}
	userID, guildID, nick := m.User.ID, m.GuildID, displayName(m.Member)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := b.repository.SetNicknames(ctx, guildID, map[string]string{userID: nick}); err != nil {
			log.Printf("Warning: failed to handle nickname update: %v", err)
		}
	}()
}

// messageCreate handles message creation events
func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}

	content := strings.TrimSpace(m.Content)

	switch {
	case content == "!stats" || strings.HasPrefix(content, "!stats "):
		go b.handleStatsCommand(s, m)
	case b.postChannels[m.ChannelID]:
		b.awardPostXP(m.Author.ID, m.GuildID)
	}
}

// threadCreate awards post XP for new forum posts in XP channels.
func (b *Bot) threadCreate(s *discordgo.Session, t *discordgo.ThreadCreate) {
	if t.Channel == nil || !t.NewlyCreated || t.OwnerID == "" {
		return
	}
	if !b.postChannels[t.ParentID] {
		return
	}
	b.awardPostXP(t.OwnerID, t.GuildID)
}

func (b *Bot) awardPostXP(userID, guildID string) {
	if b.cfg.PostXPAmount <= 0 {
		return
	}
	now := b.now()
	if !b.postCooldown.allow(guildID+":"+userID, now) {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		res, err := b.repository.GrantXP(ctx, userID, guildID, b.cfg.PostXPAmount, now)
		if err != nil {
			log.Printf("Warning: failed to add post XP: %v", err)
			return
		}
		if res.LeveledUp() {
			b.announceLevelUp(userID, guildID, res)
		}
	}()
}

// NotifyLevelUp announces a level-up from a voice close.
func (b *Bot) NotifyLevelUp(userID, guildID string, res models.CloseResult) {
	go b.announceLevelUp(userID, guildID, res)
}

func (b *Bot) announceLevelUp(userID, guildID string, res models.CloseResult) {
	g, err := b.session.State.Guild(guildID)
	if err != nil {
		log.Printf("Warning: guild %s not in state, skipping level-up message: %v", guildID, err)
		return
	}

	channelID := pickLevelUpChannel(g, b.cfg.LevelUpChannelID, b.canSend)
	if channelID == "" {
		log.Printf("No available channel to send level-up message in guild %s", guildID)
		return
	}

	policy := b.repository.Policy()
	msg := fmt.Sprintf("🎉 %s leveled up! New level: %s (Lv.%d, total XP: %d)",
		utils.FormatUserMention(userID), policy.Title(res.NewLevel), res.NewLevel, res.TotalXP)
	if _, err := b.session.ChannelMessageSend(channelID, msg); err != nil {
		log.Printf("Failed to send level-up message: %v", err)
	}
}

func (b *Bot) canSend(channelID string) bool {
	if b.session.State.User == nil {
		return false
	}
	perms, err := b.session.State.UserChannelPermissions(b.session.State.User.ID, channelID)
	return err == nil && perms&discordgo.PermissionSendMessages != 0
}

// handleStatsCommand handles the !stats command
func (b *Bot) handleStatsCommand(s *discordgo.Session, m *discordgo.MessageCreate) {
	userID, name := m.Author.ID, m.Author.Username
	if arg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(m.Content), "!stats")); arg != "" {
		if !utils.IsUserMention(arg) {
			s.ChannelMessageSend(m.ChannelID, "Usage: !stats [@member]")
			return
		}
		userID = utils.ExtractUserIDFromMention(arg)
		name = utils.FormatUserMention(userID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	stats, err := b.repository.UserStats(ctx, userID, m.GuildID, b.now())
	if err != nil {
		log.Printf("Error getting stats: %v", err)
		s.ChannelMessageSend(m.ChannelID, "Something went wrong while loading stats.")
		return
	}
	if stats == nil {
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("📊 %s has no recorded focus time yet.", name))
		return
	}

	s.ChannelMessageSend(m.ChannelID, formatStats(name, stats))
}

func formatStats(name string, stats *models.UserStats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 %s\n", name)
	fmt.Fprintf(&sb, "Level: %s (Lv.%d)\n", stats.LevelTitle, stats.Level)
	if stats.XPNeeded > 0 {
		fmt.Fprintf(&sb, "XP: %d %s %d/%d (%d to next level)\n", stats.XP, utils.FormatProgressBar(stats.Progress, 10),
			stats.XPIntoLevel, stats.XPNeeded, stats.XPToNext)
	} else {
		fmt.Fprintf(&sb, "XP: %d (max level)\n", stats.XP)
	}
	fmt.Fprintf(&sb, "Voice: %s total, %s today, %s this week, %s this month\n",
		utils.FormatDuration(stats.TotalSeconds), utils.FormatDuration(stats.TodaySeconds),
		utils.FormatDuration(stats.WeekSeconds), utils.FormatDuration(stats.MonthSeconds))
	fmt.Fprintf(&sb, "Streak: %d day(s)", stats.StreakDays)
	return sb.String()
}
