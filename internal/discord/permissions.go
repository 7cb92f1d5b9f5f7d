package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker decides who may drive the bot with /board commands.
//
// A member is allowed when any of these hold: no role or user restriction is
// configured, the member holds the control role, the user ID is on the
// allow list, or the member has the guild Administrator permission.
// Interactions from DM channels only pass through the user allow list.
type PermissionChecker struct {
	roleID  string
	userIDs []string
}

// NewPermissionChecker creates a PermissionChecker.
func NewPermissionChecker(roleID string, userIDs ...string) *PermissionChecker {
	return &PermissionChecker{roleID: roleID, userIDs: slices.Clone(userIDs)}
}

// Open reports whether no restriction is configured.
func (p *PermissionChecker) Open() bool {
	return p.roleID == "" && len(p.userIDs) == 0
}

// CanControl reports whether the interaction author may use the commands.
func (p *PermissionChecker) CanControl(i *discordgo.InteractionCreate) bool {
	if p.Open() {
		return true
	}
	if u := interactionUser(i); u != nil && slices.Contains(p.userIDs, u.ID) {
		return true
	}
	if i.Member == nil {
		return false
	}
	if i.Member.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return p.roleID != "" && slices.Contains(i.Member.Roles, p.roleID)
}

// interactionUser returns the author for both guild and DM interactions.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}
