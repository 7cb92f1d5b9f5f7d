package discord

import (
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// maxChoices is the Discord limit on autocomplete choices.
const maxChoices = 25

// Responder is the subset of *discordgo.Session used to answer interactions.
type Responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

func respond(r Responder, i *discordgo.InteractionCreate, typ discordgo.InteractionResponseType, data *discordgo.InteractionResponseData) {
	if err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: typ, Data: data}); err != nil {
		slog.Warn("discord: interaction response failed", "type", typ, "err", err)
	}
}

// RespondEphemeral answers with text only the invoking user sees.
func RespondEphemeral(r Responder, i *discordgo.InteractionCreate, content string) {
	respond(r, i, discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{
		Content: truncate(content, discordMessageLimit),
		Flags:   discordgo.MessageFlagsEphemeral,
	})
}

// RespondEmbed answers with an ephemeral embed.
func RespondEmbed(r Responder, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	respond(r, i, discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{embed},
		Flags:  discordgo.MessageFlagsEphemeral,
	})
}

// RespondChoices answers an autocomplete request. Extra choices beyond the
// Discord limit are dropped.
func RespondChoices(r Responder, i *discordgo.InteractionCreate, values []string) {
	if len(values) > maxChoices {
		values = values[:maxChoices]
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(values))
	for _, v := range values {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: v, Value: v})
	}
	respond(r, i, discordgo.InteractionApplicationCommandAutocompleteResult, &discordgo.InteractionResponseData{
		Choices: choices,
	})
}

// DeferReply acknowledges a slow command; finish it with [FollowUp].
func DeferReply(r Responder, i *discordgo.InteractionCreate) {
	respond(r, i, discordgo.InteractionResponseDeferredChannelMessageWithSource, &discordgo.InteractionResponseData{
		Flags: discordgo.MessageFlagsEphemeral,
	})
}

// FollowUp completes a deferred reply. Content longer than one message is
// split on line breaks where possible.
func FollowUp(r Responder, i *discordgo.InteractionCreate, content string) {
	for _, part := range splitMessage(content, discordMessageLimit) {
		_, err := r.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
			Content: part,
			Flags:   discordgo.MessageFlagsEphemeral,
		})
		if err != nil {
			slog.Warn("discord: follow-up failed", "err", err)
			return
		}
	}
}

// splitMessage cuts s into pieces of at most limit runes, preferring to break
// after a newline in the second half of each piece.
func splitMessage(s string, limit int) []string {
	r := []rune(s)
	if len(r) <= limit {
		return []string{s}
	}
	var parts []string
	for len(r) > limit {
		cut := limit
		if nl := strings.LastIndex(string(r[:limit]), "\n"); nl >= 0 {
			if n := len([]rune(string(r[:limit])[:nl])); n >= limit/2 {
				cut = n + 1
			}
		}
		parts = append(parts, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		parts = append(parts, string(r))
	}
	return parts
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
