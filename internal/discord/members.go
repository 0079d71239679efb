package discord

import (
	"fmt"
	"sort"

	"github.com/bwmarrin/discordgo"
)

// humanMembers drops bots and members without a user.
func humanMembers(members []*discordgo.Member) []*discordgo.Member {
	out := make([]*discordgo.Member, 0, len(members))
	for _, m := range members {
		if m == nil || m.User == nil || m.User.Bot {
			continue
		}
		out = append(out, m)
	}
	return out
}

func displayName(m *discordgo.Member) string {
	switch {
	case m.Nick != "":
		return m.Nick
	case m.User == nil:
		return ""
	case m.User.GlobalName != "":
		return m.User.GlobalName
	default:
		return m.User.Username
	}
}

// MemberNumbers assigns each member a number made of the UTC join date
// (YYMMDD) and a two-digit position among members who joined that day,
// ordered by join time then user id. Members without a join time get none.
func MemberNumbers(members []*discordgo.Member) map[string]string {
	byDay := make(map[string][]*discordgo.Member)
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m == nil || m.User == nil || m.JoinedAt.IsZero() || seen[m.User.ID] {
			continue
		}
		seen[m.User.ID] = true
		day := m.JoinedAt.UTC().Format("060102")
		byDay[day] = append(byDay[day], m)
	}

	numbers := make(map[string]string, len(seen))
	for day, group := range byDay {
		sort.Slice(group, func(i, j int) bool {
			ti, tj := group[i].JoinedAt, group[j].JoinedAt
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return group[i].User.ID < group[j].User.ID
		})
		for i, m := range group {
			numbers[m.User.ID] = fmt.Sprintf("%s%02d", day, i+1)
		}
	}
	return numbers
}
