package discord

import (
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one slash command or autocomplete interaction.
type HandlerFunc func(r Responder, i *discordgo.InteractionCreate)

// CommandRouter dispatches interactions by "command" or "command/subcommand"
// key. Slash commands and autocomplete requests have separate tables.
type CommandRouter struct {
	mu           sync.RWMutex
	definitions  map[string]*discordgo.ApplicationCommand
	handlers     map[string]HandlerFunc
	autocomplete map[string]HandlerFunc
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		definitions:  make(map[string]*discordgo.ApplicationCommand),
		handlers:     make(map[string]HandlerFunc),
		autocomplete: make(map[string]HandlerFunc),
	}
}

// Define records a top-level command definition for registration with
// Discord. Redefining a name replaces the earlier definition.
func (r *CommandRouter) Define(cmd *discordgo.ApplicationCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[cmd.Name] = cmd
}

// Handle registers the slash command handler for key, e.g. "board/mute".
func (r *CommandRouter) Handle(key string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Autocomplete registers the autocomplete handler for key.
func (r *CommandRouter) Autocomplete(key string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autocomplete[key] = h
}

// ApplicationCommands returns the recorded top-level definitions.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmds := make([]*discordgo.ApplicationCommand, 0, len(r.definitions))
	for _, c := range r.definitions {
		cmds = append(cmds, c)
	}
	return cmds
}

// Dispatch routes an interaction to its handler. A handler panic is logged
// and answered with a generic error so the gateway goroutine survives.
func (r *CommandRouter) Dispatch(resp Responder, i *discordgo.InteractionCreate) {
	var table map[string]HandlerFunc
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		table = r.handlers
	case discordgo.InteractionApplicationCommandAutocomplete:
		table = r.autocomplete
	default:
		slog.Debug("discord: unhandled interaction type", "type", i.Type)
		return
	}
	key := interactionKey(i.ApplicationCommandData())

	r.mu.RLock()
	h, ok := table[key]
	if !ok {
		// Fall back to the parent command, e.g. a bare "/board".
		h, ok = table[i.ApplicationCommandData().Name]
	}
	r.mu.RUnlock()

	if !ok {
		slog.Warn("discord: no handler", "key", key, "type", i.Type)
		if i.Type == discordgo.InteractionApplicationCommand {
			RespondEphemeral(resp, i, "Unknown command.")
		}
		return
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("discord: handler panicked", "key", key, "panic", p)
			if i.Type == discordgo.InteractionApplicationCommand {
				RespondEphemeral(resp, i, "Something went wrong handling that command.")
			}
		}
	}()
	h(resp, i)
}

func interactionKey(data discordgo.ApplicationCommandInteractionData) string {
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Name + "/" + data.Options[0].Name
	}
	return data.Name
}
