package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/rs/zerolog"
)

// unknownChannel stands in for a previous channel missing from the state cache
const unknownChannel = "unknown"

// DiscordSource reports voice state changes seen by a Discord bot. Guilds
// are groups, users are subjects.
type DiscordSource struct {
	token  string
	logger zerolog.Logger
}

// NewDiscordSource creates a source that logs in with a bot token
func NewDiscordSource(token string, logger zerolog.Logger) *DiscordSource {
	return &DiscordSource{
		token:  token,
		logger: logger.With().Str("component", "feed-discord").Logger(),
	}
}

// Run connects to the gateway and delivers transitions until ctx is
// cancelled.
func (s *DiscordSource) Run(ctx context.Context, sink Sink) error {
	session, err := newDiscordSession(s.token)
	if err != nil {
		return err
	}

	session.AddHandler(func(ds *discordgo.Session, g *discordgo.GuildCreate) {
		for _, t := range guildTransitions(g.Guild, time.Now()) {
			sink.HandleTransition(ctx, t)
		}
		s.logger.Info().
			Str("group_id", g.ID).
			Str("group_name", g.Name).
			Int("in_voice", len(g.VoiceStates)).
			Msg("Guild available")
	})

	session.AddHandler(func(ds *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		t, ok := voiceTransition(v, memberName(ds, v.GuildID, v.UserID), time.Now())
		if !ok {
			return
		}
		sink.HandleTransition(ctx, t)
	})

	if err := session.Open(); err != nil {
		metrics.FeedErrorsTotal.WithLabelValues("discord").Inc()
		return fmt.Errorf("failed to open Discord gateway: %w", err)
	}
	s.logger.Info().Msg("Connected to Discord gateway")

	<-ctx.Done()

	if err := session.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing Discord session")
	}
	return nil
}

// newDiscordSession creates a gateway session whose handlers run one event
// at a time, in arrival order.
func newDiscordSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.SyncEvents = true
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers
	return session, nil
}

// guildTransitions announces a guild with its voice roster and reports every
// member already sitting in a voice channel as a join. GuildCreate is also
// sent after a reconnect, so the roster closes sessions of members who left
// while the gateway was down.
func guildTransitions(g *discordgo.Guild, now time.Time) []Transition {
	announce := Transition{GroupID: g.ID, GroupName: g.Name, Timestamp: now, Resync: true, Present: []string{}}
	out := []Transition{announce}

	names := make(map[string]string, len(g.Members))
	for _, m := range g.Members {
		if m.User != nil {
			names[m.User.ID] = m.DisplayName()
		}
	}

	for _, vs := range g.VoiceStates {
		if vs.ChannelID == "" || isBot(vs) {
			continue
		}
		out[0].Present = append(out[0].Present, vs.UserID)
		out = append(out, Transition{
			SubjectID:    vs.UserID,
			GroupID:      g.ID,
			AfterChannel: vs.ChannelID,
			Timestamp:    now,
			GroupName:    g.Name,
			SubjectName:  names[vs.UserID],
		})
	}
	return out
}

// voiceTransition maps a gateway voice state update. A leave whose previous
// state was not cached is still reported as a leave.
func voiceTransition(v *discordgo.VoiceStateUpdate, name string, now time.Time) (Transition, bool) {
	if v.VoiceState == nil || v.UserID == "" || isBot(v.VoiceState) {
		return Transition{}, false
	}

	after := v.ChannelID
	before := ""
	switch {
	case v.BeforeUpdate != nil:
		before = v.BeforeUpdate.ChannelID
	case after == "":
		before = unknownChannel
	}

	if before == after {
		// Mute, deafen or stream changes
		return Transition{}, false
	}

	return Transition{
		SubjectID:     v.UserID,
		GroupID:       v.GuildID,
		BeforeChannel: before,
		AfterChannel:  after,
		Timestamp:     now,
		SubjectName:   name,
	}, true
}

func isBot(vs *discordgo.VoiceState) bool {
	return vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot
}

func memberName(ds *discordgo.Session, guildID, userID string) string {
	if ds == nil || ds.State == nil {
		return ""
	}
	m, err := ds.State.Member(guildID, userID)
	if err != nil {
		return ""
	}
	return m.DisplayName()
}
