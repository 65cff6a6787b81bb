// ABOUTME: Channel notifier that posts scan alerts, cycle summaries and report audit entries.
// ABOUTME: Implements the engine notifier and the report workflow auditor on top of a Discord session.

package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jfeddern/anubis/internal/types"
	"github.com/jfeddern/anubis/internal/workflow"
	"github.com/sirupsen/logrus"
)

// Session is the subset of the Discord REST API the bot uses
type Session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

// Channels names the channels and roles the bot writes to
type Channels struct {
	AlertsChannelID    string
	LogsChannelID      string
	ReportingChannelID string
	AlertsRoleID       string
}

type ChannelNotifier struct {
	session  Session
	channels Channels
	logger   *logrus.Logger
	now      func() time.Time
}

func NewChannelNotifier(session Session, channels Channels, logger *logrus.Logger) *ChannelNotifier {
	return &ChannelNotifier{
		session:  session,
		channels: channels,
		logger:   logger,
		now:      time.Now,
	}
}

// SendAlert posts one flagged result with a role mention and a Report button
func (n *ChannelNotifier) SendAlert(ctx context.Context, result types.PackageScanResult) error {
	message := &discordgo.MessageSend{
		Embeds:     []*discordgo.MessageEmbed{AlertEmbed(result)},
		Components: ReportComponents(result.Name, result.Version, false),
	}
	if n.channels.AlertsRoleID != "" {
		message.Content = fmt.Sprintf("<@&%s>", n.channels.AlertsRoleID)
		message.AllowedMentions = &discordgo.MessageAllowedMentions{Roles: []string{n.channels.AlertsRoleID}}
	}

	if _, err := n.session.ChannelMessageSendComplex(n.channels.AlertsChannelID, message, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to post alert for %s: %w", result.String(), err)
	}
	return nil
}

// SendSummary posts the list of all results of a cycle to the logs channel
func (n *ChannelNotifier) SendSummary(ctx context.Context, results []types.PackageScanResult) error {
	message := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{SummaryEmbed(results)},
	}

	if _, err := n.session.ChannelMessageSendComplex(n.channels.LogsChannelID, message, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to post scan summary: %w", err)
	}

	n.logger.WithField("packages", len(results)).Debug("Posted scan summary")
	return nil
}

// LogReport writes one audit entry to the reporting channel
func (n *ChannelNotifier) LogReport(ctx context.Context, entry workflow.AuditEntry) error {
	if n.channels.ReportingChannelID == "" {
		return nil
	}

	message := &discordgo.MessageSend{
		Embeds:          []*discordgo.MessageEmbed{ReportLogEmbed(entry, n.now())},
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}

	if _, err := n.session.ChannelMessageSendComplex(n.channels.ReportingChannelID, message, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to post report audit entry: %w", err)
	}
	return nil
}
