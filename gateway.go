package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Discord Gateway Adapter
// ===========================

// botGateway implements Gateway and ChannelResolver on top of a live client.
// All reads come from the gateway caches; only message delivery hits REST.
type botGateway struct {
	client *bot.Client
}

func NewBotGateway(client *bot.Client) *botGateway {
	return &botGateway{client: client}
}

func (gw *botGateway) VoiceChannels(guildID snowflake.ID) []VoiceChannelInfo {
	var infos []VoiceChannelInfo
	for ch := range gw.client.Caches.Channels() {
		if ch.GuildID() != guildID {
			continue
		}
		if ch.Type() != discord.ChannelTypeGuildVoice && ch.Type() != discord.ChannelTypeGuildStageVoice {
			continue
		}
		infos = append(infos, VoiceChannelInfo{
			ID:         ch.ID(),
			Name:       ch.Name(),
			HumanCount: gw.HumansInChannel(guildID, ch.ID()),
			Joinable:   gw.CanJoin(guildID, ch.ID()),
		})
	}
	return infos
}

func (gw *botGateway) CanJoin(guildID, channelID snowflake.ID) bool {
	ch, ok := gw.client.Caches.Channel(channelID)
	if !ok || ch.GuildID() != guildID {
		return false
	}
	if ch.Type() != discord.ChannelTypeGuildVoice && ch.Type() != discord.ChannelTypeGuildStageVoice {
		return false
	}
	selfMember, ok := gw.client.Caches.Member(guildID, gw.client.ID())
	if !ok {
		return false
	}
	perms := getMemberPermissionsInChannel(gw.client, ch, selfMember)
	return perms.Has(discord.PermissionViewChannel | discord.PermissionConnect | discord.PermissionSpeak)
}

// HumansInChannel counts non-bot members in a voice channel. Members missing
// from the cache count as human.
func (gw *botGateway) HumansInChannel(guildID, channelID snowflake.ID) int {
	count := 0
	for state := range gw.client.Caches.VoiceStates(guildID) {
		if state.ChannelID == nil || *state.ChannelID != channelID {
			continue
		}
		if m, ok := gw.client.Caches.Member(guildID, state.UserID); !ok || !m.User.Bot {
			count++
		}
	}
	return count
}

func (gw *botGateway) SendPanelMessage(channelID snowflake.ID, p PanelView) (snowflake.ID, error) {
	msg, err := gw.client.Rest.CreateMessage(channelID, discord.NewMessageCreate().
		WithIsComponentsV2(true).
		AddComponents(panelLayout(p)...))
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func (gw *botGateway) EditPanelMessage(channelID, messageID snowflake.ID, p PanelView) error {
	_, err := gw.client.Rest.UpdateMessage(channelID, messageID, discord.NewMessageUpdate().
		WithIsComponentsV2(true).
		WithComponents(panelLayout(p)...))
	return err
}

func (gw *botGateway) FetchMessage(channelID, messageID snowflake.ID) error {
	_, err := gw.client.Rest.GetMessage(channelID, messageID)
	return err
}

func (gw *botGateway) Announce(channelID snowflake.ID, content string) error {
	_, err := gw.client.Rest.CreateMessage(channelID, discord.NewMessageCreate().
		WithContent(content))
	return err
}

// ResolveVoiceChannel implements ChannelResolver for config migration.
func (gw *botGateway) ResolveVoiceChannel(name string) (snowflake.ID, bool) {
	return gw.resolveChannelByName(name, discord.ChannelTypeGuildVoice, discord.ChannelTypeGuildStageVoice)
}

func (gw *botGateway) ResolveTextChannel(name string) (snowflake.ID, bool) {
	return gw.resolveChannelByName(name, discord.ChannelTypeGuildText, discord.ChannelTypeGuildNews)
}

func (gw *botGateway) resolveChannelByName(name string, types ...discord.ChannelType) (snowflake.ID, bool) {
	for ch := range gw.client.Caches.Channels() {
		for _, t := range types {
			if ch.Type() == t && ch.Name() == name {
				return ch.ID(), true
			}
		}
	}
	return 0, false
}

// ===========================
// Panel Rendering (Discord)
// ===========================

func panelLayout(p PanelView) []discord.LayoutComponent {
	sub := []discord.ContainerSubComponent{discord.NewTextDisplay(panelText(p))}

	if len(p.Selects) > 0 || len(p.Buttons) > 0 {
		sub = append(sub, discord.NewSeparator(discord.SeparatorSpacingSizeSmall).WithDivider(true))
	}
	for _, sel := range p.Selects {
		opts := make([]discord.StringSelectMenuOption, 0, len(sel.Options))
		for _, o := range sel.Options {
			opts = append(opts, discord.NewStringSelectMenuOption(o.Label, o.Value).WithDescription(o.Description))
		}
		sub = append(sub, discord.NewActionRow(discord.NewStringSelectMenu(sel.ID, sel.Placeholder, opts...)))
	}
	for _, row := range p.Buttons {
		buttons := make([]discord.InteractiveComponent, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, discord.NewButton(buttonStyle(b.Style), b.Label, b.ID, "", 0).WithDisabled(b.Disabled))
		}
		sub = append(sub, discord.NewActionRow(buttons...))
	}

	return []discord.LayoutComponent{discord.NewContainer(sub...).WithAccentColor(p.Color)}
}

func panelText(p PanelView) string {
	var sb strings.Builder
	sb.WriteString("## " + p.Title + "\n")
	sb.WriteString(p.Description)
	if len(p.Fields) > 0 {
		sb.WriteString("\n")
		for _, f := range p.Fields {
			sb.WriteString(fmt.Sprintf("\n**%s:** %s", f.Name, f.Value))
		}
	}
	return sb.String()
}

func buttonStyle(s PanelButtonStyle) discord.ButtonStyle {
	switch s {
	case PanelButtonPrimary:
		return discord.ButtonStylePrimary
	case PanelButtonSuccess:
		return discord.ButtonStyleSuccess
	case PanelButtonDanger:
		return discord.ButtonStyleDanger
	default:
		return discord.ButtonStyleSecondary
	}
}

// ===========================
// Permission Computation
// ===========================

// getMemberPermissionsInChannel resolves a member's effective permissions in
// a channel from cached roles and overwrites: base role permissions, then
// @everyone, role, and member overwrites in order.
func getMemberPermissionsInChannel(client *bot.Client, channel discord.GuildChannel, member discord.Member) discord.Permissions {
	guild, ok := client.Caches.Guild(channel.GuildID())
	if !ok {
		return 0
	}

	// Owner bypass
	if guild.OwnerID == member.User.ID {
		return discord.PermissionsAll
	}

	var perms discord.Permissions
	if everyoneRole, ok := client.Caches.Role(guild.ID, snowflake.ID(guild.ID)); ok {
		perms |= everyoneRole.Permissions
	}
	for _, roleID := range member.RoleIDs {
		if role, ok := client.Caches.Role(guild.ID, roleID); ok {
			perms |= role.Permissions
		}
	}

	if perms.Has(discord.PermissionAdministrator) {
		return discord.PermissionsAll
	}

	overwrites := channel.PermissionOverwrites()

	for _, o := range overwrites {
		if o.ID() == snowflake.ID(guild.ID) {
			if ro, ok := o.(discord.RolePermissionOverwrite); ok {
				perms &^= ro.Deny
				perms |= ro.Allow
			}
			break
		}
	}

	var roleAllow, roleDeny discord.Permissions
	for _, o := range overwrites {
		for _, rID := range member.RoleIDs {
			if o.ID() == rID {
				if ro, ok := o.(discord.RolePermissionOverwrite); ok {
					roleDeny |= ro.Deny
					roleAllow |= ro.Allow
				}
				break
			}
		}
	}
	perms &^= roleDeny
	perms |= roleAllow

	for _, o := range overwrites {
		if o.ID() == member.User.ID {
			if mo, ok := o.(discord.MemberPermissionOverwrite); ok {
				perms &^= mo.Deny
				perms |= mo.Allow
			}
			break
		}
	}

	return perms
}

// ===========================
// Voice Transport Adapter
// ===========================

type botVoiceDialer struct {
	client *bot.Client
}

func NewBotVoiceDialer(client *bot.Client) *botVoiceDialer {
	return &botVoiceDialer{client: client}
}

func (d *botVoiceDialer) Dial(guildID snowflake.ID) VoiceLink {
	return &botVoiceLink{conn: d.client.VoiceManager.CreateConn(guildID)}
}

type botVoiceLink struct {
	conn voice.Conn
}

func (l *botVoiceLink) Open(ctx context.Context, channelID snowflake.ID) error {
	return l.conn.Open(ctx, channelID, false, false)
}

func (l *botVoiceLink) Close(ctx context.Context) {
	l.conn.Close(ctx)
}

func (l *botVoiceLink) SetOpusFrameProvider(p voice.OpusFrameProvider) {
	l.conn.SetOpusFrameProvider(p)
}

func (l *botVoiceLink) SetSpeaking(ctx context.Context, speaking bool) error {
	flags := voice.SpeakingFlagNone
	if speaking {
		flags = voice.SpeakingFlagMicrophone
	}
	return l.conn.SetSpeaking(ctx, flags)
}

// ===========================
// Voice State Events
// ===========================

func init() {
	RegisterVoiceStateUpdateHandler(handleEngineVoiceStateUpdate)
}

func handleEngineVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	engine := GetEngine()
	if engine == nil {
		return
	}
	guildID := event.VoiceState.GuildID
	client := event.Client()

	if event.VoiceState.UserID == client.ID() {
		if event.VoiceState.ChannelID == nil {
			engine.HandleBotDisconnect(guildID)
		}
		return
	}

	botChannel, ok := engine.ChannelID(guildID)
	if !ok {
		return
	}
	affected := event.VoiceState.ChannelID != nil && *event.VoiceState.ChannelID == botChannel
	if event.OldVoiceState.ChannelID != nil && *event.OldVoiceState.ChannelID == botChannel {
		affected = true
	}
	if !affected {
		return
	}

	gw := NewBotGateway(client)
	engine.UpdateAutoPause(guildID, gw.HumansInChannel(guildID, botChannel))
}
