// Package discord provides the Discord layer for boardobserver. It mirrors
// the bot's meeting replies into a text channel and exposes slash commands
// that mute, unmute, query and ask the bot in a running meeting.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token, without the "Bot " prefix.
	Token string `yaml:"token"`

	// GuildID scopes slash command registration. Empty registers globally.
	GuildID string `yaml:"guild_id"`

	// ChannelID receives mirrored meeting messages.
	ChannelID string `yaml:"channel_id"`

	// ControlRoleID is the role allowed to use the board commands.
	ControlRoleID string `yaml:"control_role_id"`

	// ControlUserIDs are users allowed regardless of role. With no role and
	// no users configured everyone is allowed.
	ControlUserIDs []string `yaml:"control_user_ids"`
}

// Bot owns the Discord gateway connection, the channel mirror and the
// command router.
type Bot struct {
	session *discordgo.Session
	mirror  *Mirror
	router  *CommandRouter
	perms   *PermissionChecker
	guildID string

	mu         sync.Mutex
	registered bool
	closeOnce  sync.Once
}

// New connects to Discord and registers the board commands backed by ctrl.
func New(_ context.Context, cfg Config, ctrl Controller) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token must not be empty")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsGuilds

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	b := &Bot{
		session: session,
		mirror:  NewMirror(session, cfg.ChannelID),
		router:  NewCommandRouter(),
		perms:   NewPermissionChecker(cfg.ControlRoleID, cfg.ControlUserIDs...),
		guildID: cfg.GuildID,
	}
	if ctrl != nil {
		NewBoardCommands(ctrl, b.perms).Register(b.router)
	}
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Dispatch(s, i)
	})
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		slog.Info("discord connected", "user", r.User.Username, "guilds", len(r.Guilds), "mirror_channel", cfg.ChannelID)
	})
	return b, nil
}

// Mirror returns the channel mirror, a text channel for the speak gate.
func (b *Bot) Mirror() *Mirror {
	return b.mirror
}

// Run publishes the board commands to the configured guild (globally when
// GuildID is empty) and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.registered = true
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered), "guild_id", b.guildID)
	}

	<-ctx.Done()
	return nil
}

// Close withdraws the board commands and disconnects.
func (b *Bot) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		registered := b.registered
		b.mu.Unlock()

		if registered {
			_, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.guildID, nil)
			if err != nil {
				errs = append(errs, fmt.Errorf("discord: withdraw commands: %w", err))
			}
		}
		if err := b.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("discord: close session: %w", err))
		}
		slog.Info("discord bot closed")
	})
	return errors.Join(errs...)
}
