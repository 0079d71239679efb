package discord

import (
	"sort"

	"github.com/bwmarrin/discordgo"
)

// pickLevelUpChannel chooses where level-up messages go: the configured
// channel, then the guild's system channel, then the first text channel by
// position. Each candidate must be sendable. It returns "" when none is.
func pickLevelUpChannel(g *discordgo.Guild, preferredID string, canSend func(channelID string) bool) string {
	text := make([]*discordgo.Channel, 0, len(g.Channels))
	isText := make(map[string]bool, len(g.Channels))
	for _, ch := range g.Channels {
		if ch.Type == discordgo.ChannelTypeGuildText {
			text = append(text, ch)
			isText[ch.ID] = true
		}
	}

	if preferredID != "" && isText[preferredID] && canSend(preferredID) {
		return preferredID
	}
	if g.SystemChannelID != "" && canSend(g.SystemChannelID) {
		return g.SystemChannelID
	}

	sort.SliceStable(text, func(i, j int) bool { return text[i].Position < text[j].Position })
	for _, ch := range text {
		if canSend(ch.ID) {
			return ch.ID
		}
	}
	return ""
}
