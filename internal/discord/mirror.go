package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordMessageLimit is the maximum content length of one message.
const discordMessageLimit = 2000

// MessageSender is the subset of *discordgo.Session the mirror uses.
type MessageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Mirror posts meeting replies to one Discord channel, labelled with the
// meeting they came from.
type Mirror struct {
	sender    MessageSender
	channelID string
}

// NewMirror creates a Mirror writing to channelID.
func NewMirror(sender MessageSender, channelID string) *Mirror {
	return &Mirror{sender: sender, channelID: channelID}
}

// SendText posts text for meetingID.
func (m *Mirror) SendText(ctx context.Context, meetingID, text string) error {
	if m.channelID == "" {
		return errors.New("discord: no mirror channel configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	content := truncate(fmt.Sprintf("**[%s]** %s", meetingID, text), discordMessageLimit)
	if _, err := m.sender.ChannelMessageSend(m.channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send to %s: %w", m.channelID, err)
	}
	return nil
}
