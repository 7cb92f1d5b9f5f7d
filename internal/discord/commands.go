package discord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/boardobserver/internal/conversation"
)

const askTimeout = 45 * time.Second

// Controller is the meeting control surface the commands drive.
type Controller interface {
	Mute(ctx context.Context, meetingID string) bool
	Unmute(ctx context.Context, meetingID string) bool
	ToggleMute(ctx context.Context, meetingID string) bool
	DirectAsk(ctx context.Context, meetingID, question string, speakReply bool) (string, error)
	Status(meetingID string) (conversation.Status, bool)
	Meetings() []string
}

var _ Controller = (*conversation.Engine)(nil)

// BoardCommands implements the /board slash command group.
type BoardCommands struct {
	ctrl  Controller
	perms *PermissionChecker
}

// NewBoardCommands creates the command handlers.
func NewBoardCommands(ctrl Controller, perms *PermissionChecker) *BoardCommands {
	return &BoardCommands{ctrl: ctrl, perms: perms}
}

// Register adds the /board command and its subcommands to router.
func (c *BoardCommands) Register(router *CommandRouter) {
	router.Define(c.Definition())
	router.Handle("board", func(r Responder, i *discordgo.InteractionCreate) {
		RespondEphemeral(r, i, "Use a subcommand: mute, unmute, toggle, status or ask.")
	})
	handlers := map[string]HandlerFunc{
		"mute":   c.handleMute,
		"unmute": c.handleUnmute,
		"toggle": c.handleToggle,
		"status": c.handleStatus,
		"ask":    c.handleAsk,
	}
	for name, h := range handlers {
		router.Handle("board/"+name, c.guard(h))
		router.Autocomplete("board/"+name, c.completeMeeting)
	}
}

// completeMeeting suggests known meeting IDs starting with the typed prefix.
func (c *BoardCommands) completeMeeting(r Responder, i *discordgo.InteractionCreate) {
	if !c.perms.CanControl(i) {
		RespondChoices(r, i, nil)
		return
	}
	prefix := strings.ToLower(focusedValue(i))
	var ids []string
	for _, id := range c.ctrl.Meetings() {
		if strings.HasPrefix(strings.ToLower(id), prefix) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	RespondChoices(r, i, ids)
}

// Definition returns the /board command definition.
func (c *BoardCommands) Definition() *discordgo.ApplicationCommand {
	meeting := &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionString,
		Name:         "meeting",
		Description:  "Meeting (bot) ID",
		Required:     true,
		Autocomplete: true,
	}
	sub := func(name, desc string, extra ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        name,
			Description: desc,
			Options:     append([]*discordgo.ApplicationCommandOption{meeting}, extra...),
		}
	}
	return &discordgo.ApplicationCommand{
		Name:        "board",
		Description: "Control the board meeting assistant",
		Options: []*discordgo.ApplicationCommandOption{
			sub("mute", "Stop the assistant from answering"),
			sub("unmute", "Let the assistant answer again"),
			sub("toggle", "Toggle the mute flag"),
			sub("status", "Show the assistant's state in a meeting"),
			sub("ask", "Ask the assistant a question directly",
				&discordgo.ApplicationCommandOption{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "question",
					Description: "What to ask",
					Required:    true,
				},
				&discordgo.ApplicationCommandOption{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "speak",
					Description: "Also say the answer in the meeting",
				},
			),
		},
	}
}

func (c *BoardCommands) guard(h HandlerFunc) HandlerFunc {
	return func(r Responder, i *discordgo.InteractionCreate) {
		if !c.perms.CanControl(i) {
			RespondEphemeral(r, i, "You need the board control role to do that.")
			return
		}
		if subOptions(i).String("meeting") == "" {
			RespondEphemeral(r, i, "A meeting ID is required.")
			return
		}
		h(r, i)
	}
}

func (c *BoardCommands) handleMute(r Responder, i *discordgo.InteractionCreate) {
	id := subOptions(i).String("meeting")
	if c.ctrl.Mute(context.Background(), id) {
		RespondEphemeral(r, i, fmt.Sprintf("Muted in %s.", id))
		return
	}
	RespondEphemeral(r, i, fmt.Sprintf("Already muted in %s.", id))
}

func (c *BoardCommands) handleUnmute(r Responder, i *discordgo.InteractionCreate) {
	id := subOptions(i).String("meeting")
	if c.ctrl.Unmute(context.Background(), id) {
		RespondEphemeral(r, i, fmt.Sprintf("Unmuted in %s.", id))
		return
	}
	RespondEphemeral(r, i, fmt.Sprintf("Not muted in %s.", id))
}

func (c *BoardCommands) handleToggle(r Responder, i *discordgo.InteractionCreate) {
	id := subOptions(i).String("meeting")
	state := "unmuted"
	if c.ctrl.ToggleMute(context.Background(), id) {
		state = "muted"
	}
	RespondEphemeral(r, i, fmt.Sprintf("Now %s in %s.", state, id))
}

func (c *BoardCommands) handleStatus(r Responder, i *discordgo.InteractionCreate) {
	id := subOptions(i).String("meeting")
	st, ok := c.ctrl.Status(id)
	if !ok {
		RespondEphemeral(r, i, fmt.Sprintf("No state for meeting %s.", id))
		return
	}
	RespondEmbed(r, i, statusEmbed(st))
}

func (c *BoardCommands) handleAsk(r Responder, i *discordgo.InteractionCreate) {
	opts := subOptions(i)
	id, question, speakReply := opts.String("meeting"), opts.String("question"), opts.Bool("speak")

	DeferReply(r, i)
	ctx, cancel := context.WithTimeout(context.Background(), askTimeout)
	defer cancel()
	answer, err := c.ctrl.DirectAsk(ctx, id, question, speakReply)
	switch {
	case errors.Is(err, conversation.ErrAnswerInProgress):
		FollowUp(r, i, "The assistant is already answering in that meeting, try again shortly.")
	case err != nil:
		FollowUp(r, i, fmt.Sprintf("Error: %v", err))
	default:
		FollowUp(r, i, answer)
	}
}

// cmdOptions indexes the options of the invoked subcommand by name.
type cmdOptions map[string]*discordgo.ApplicationCommandInteractionDataOption

func subOptions(i *discordgo.InteractionCreate) cmdOptions {
	out := make(cmdOptions)
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return out
	}
	for _, o := range data.Options[0].Options {
		out[o.Name] = o
	}
	return out
}

// focusedValue returns the text the user is typing into the option being
// autocompleted.
func focusedValue(i *discordgo.InteractionCreate) string {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return ""
	}
	for _, o := range data.Options[0].Options {
		if o.Focused {
			s, _ := o.Value.(string)
			return s
		}
	}
	return ""
}

func (o cmdOptions) String(name string) string {
	if opt, ok := o[name]; ok {
		s, _ := opt.Value.(string)
		return s
	}
	return ""
}

func (o cmdOptions) Bool(name string) bool {
	if opt, ok := o[name]; ok {
		b, _ := opt.Value.(bool)
		return b
	}
	return false
}

func statusEmbed(st conversation.Status) *discordgo.MessageEmbed {
	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Muted", Value: yesNo(st.Muted), Inline: true},
		{Name: "Answering", Value: yesNo(st.Answering), Inline: true},
	}
	if !st.LastResponseAt.IsZero() {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Last response", Value: st.LastResponseAt.UTC().Format(time.RFC3339), Inline: true,
		})
	}
	if s := st.Session; s != nil {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Listening",
			Value: fmt.Sprintf("%s (%d fragments, confidence %.2f)", s.PrimarySpeaker, s.Fragments, s.Confidence),
		})
	}
	return &discordgo.MessageEmbed{
		Title:  "Meeting " + st.MeetingID,
		Color:  0x2b6cb0,
		Fields: fields,
	}
}
