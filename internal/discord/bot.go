// ABOUTME: Discord bot adapter that routes interactions to commands and the report workflow.
// ABOUTME: Holds the per-message report sessions and the responses shared by all handlers.

package discord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jfeddern/anubis/internal/cache"
	"github.com/jfeddern/anubis/internal/types"
	"github.com/jfeddern/anubis/internal/workflow"
	"github.com/sirupsen/logrus"
)

const (
	interactionTimeout = 30 * time.Second
	// Modals cannot be deferred, so a cold lookup must finish inside Discord's response window
	reportLookupTimeout = 2 * time.Second
	sessionTTL          = 24 * time.Hour
)

var errUnresolvedPackage = errors.New("report button does not identify a package")

// Controller is the part of the scan engine exposed to chat commands
type Controller interface {
	Start(ctx context.Context) error
	Stop(force bool) error
	Threshold() int
	SetThreshold(threshold int)
	Lookup(ctx context.Context, name, version string) (*types.PackageScanResult, error)
	Forget(name, version string)
}

// ErrorReporter forwards handler failures to the error tracker
type ErrorReporter interface {
	CaptureError(err error, fields map[string]string)
}

type Config struct {
	GuildID         string
	SecurityRoleID  string
	ReportRecipient string
}

// reportSession ties a report workflow to the message carrying its Report button
type reportSession struct {
	workflow  *workflow.Workflow
	channelID string
	name      string
	version   string

	mutex   sync.Mutex
	prompt  *discordgo.Interaction
	offered workflow.Transport
}

func (s *reportSession) setPrompt(interaction *discordgo.Interaction, offered workflow.Transport) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.prompt = interaction
	s.offered = offered
}

func (s *reportSession) takePrompt() (*discordgo.Interaction, workflow.Transport) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	prompt := s.prompt
	s.prompt = nil
	return prompt, s.offered
}

type Bot struct {
	ctx      context.Context
	session  Session
	engine   Controller
	reporter workflow.Reporter
	auditor  workflow.Auditor
	errors   ErrorReporter
	config   Config
	logger   *logrus.Logger

	commands map[string]Command
	sessions *cache.TTLCache[*reportSession]
	locks    *workflow.Locks
}

// New creates the bot. ctx bounds the scan loop started from chat and the session cache.
func New(ctx context.Context, session Session, engine Controller, reporter workflow.Reporter, auditor workflow.Auditor, errs ErrorReporter, config Config, logger *logrus.Logger) *Bot {
	b := &Bot{
		ctx:      ctx,
		session:  session,
		engine:   engine,
		reporter: reporter,
		auditor:  auditor,
		errors:   errs,
		config:   config,
		logger:   logger,
		commands: make(map[string]Command),
		sessions: cache.New[*reportSession](ctx, "report_sessions", sessionTTL, logger),
		locks:    workflow.NewLocks(),
	}
	for _, command := range commandTable() {
		b.commands[command.Name] = command
	}
	return b
}

// RegisterCommands replaces the guild's application commands with the command table.
// appID is only known once the gateway session is ready.
func (b *Bot) RegisterCommands(appID string) error {
	definitions := make([]*discordgo.ApplicationCommand, 0, len(b.commands))
	for _, command := range commandTable() {
		definitions = append(definitions, &discordgo.ApplicationCommand{
			Name:        command.Name,
			Description: command.Description,
			Options:     command.Options,
		})
	}

	created, err := b.session.ApplicationCommandBulkOverwrite(appID, b.config.GuildID, definitions, discordgo.WithContext(b.ctx))
	if err != nil {
		return fmt.Errorf("failed to register application commands: %w", err)
	}

	b.logger.WithFields(logrus.Fields{
		"component": "discord",
		"guild_id":  b.config.GuildID,
		"commands":  len(created),
	}).Info("Registered application commands")
	return nil
}

// HandleInteraction is the discordgo handler for interaction events
func (b *Bot) HandleInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(b.ctx, interactionTimeout)
	defer cancel()

	if err := b.dispatch(ctx, i); err != nil {
		b.fail(i, err)
	}
}

func (b *Bot) dispatch(ctx context.Context, i *discordgo.InteractionCreate) error {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		return b.handleCommand(ctx, i)
	case discordgo.InteractionMessageComponent:
		return b.handleComponent(ctx, i)
	case discordgo.InteractionModalSubmit:
		return b.handleModal(ctx, i)
	}
	return nil
}

func (b *Bot) fail(i *discordgo.InteractionCreate, err error) {
	fields := map[string]string{
		"operation":        "interaction",
		"interaction_type": i.Type.String(),
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		fields["command"] = i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		fields["custom_id"] = i.MessageComponentData().CustomID
	case discordgo.InteractionModalSubmit:
		fields["custom_id"] = i.ModalSubmitData().CustomID
	}
	if actor := actorFrom(i); actor.ID != "" {
		fields["user_id"] = actor.ID
	}

	entry := b.logger.WithError(err).WithField("component", "discord")
	for key, value := range fields {
		entry = entry.WithField(key, value)
	}
	entry.Error("Interaction handler failed")

	b.errors.CaptureError(err, fields)
}

func (b *Bot) authorized(i *discordgo.InteractionCreate) bool {
	if i.Member == nil || b.config.SecurityRoleID == "" {
		return false
	}
	return slices.Contains(i.Member.Roles, b.config.SecurityRoleID)
}

func (b *Bot) reject(ctx context.Context, i *discordgo.InteractionCreate) error {
	return b.reply(ctx, i, "You cannot use that!", true)
}

func (b *Bot) reply(ctx context.Context, i *discordgo.InteractionCreate, content string, ephemeral bool) error {
	data := &discordgo.InteractionResponseData{
		Content:         content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}

	err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to respond to interaction: %w", err)
	}
	return nil
}

func (b *Bot) deferReply(ctx context.Context, i *discordgo.InteractionCreate, ephemeral bool) error {
	data := &discordgo.InteractionResponseData{}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}

	err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: data,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to defer interaction response: %w", err)
	}
	return nil
}

func (b *Bot) editReply(ctx context.Context, interaction *discordgo.Interaction, content string, embeds []*discordgo.MessageEmbed, components []discordgo.MessageComponent) error {
	edit := &discordgo.WebhookEdit{Content: &content}
	if embeds != nil {
		edit.Embeds = &embeds
	}
	if components != nil {
		edit.Components = &components
	}

	if _, err := b.session.InteractionResponseEdit(interaction, edit, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to edit interaction response: %w", err)
	}
	return nil
}

func actorFrom(i *discordgo.InteractionCreate) workflow.Actor {
	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user == nil {
		return workflow.Actor{}
	}
	return workflow.Actor{ID: user.ID, Name: user.Username, Mention: user.Mention()}
}

// errorMessage maps workflow errors to the text shown to the user
func errorMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, errUnresolvedPackage):
		return "This alert no longer identifies a package. Use /lookup to report it.", true
	case errors.Is(err, workflow.ErrAlreadyReported):
		return "This package has already been reported from this message.", true
	case errors.Is(err, workflow.ErrSubmissionInProgress):
		return "A report for this package is already being submitted.", true
	case errors.Is(err, workflow.ErrFallbackResolved):
		return "This prompt has already been answered.", true
	case errors.Is(err, workflow.ErrNoFallback):
		return "There is no failed report to retry.", true
	case errors.Is(err, workflow.ErrMissingField):
		return "Missing required field: " + strings.TrimPrefix(err.Error(), workflow.ErrMissingField.Error()+": "), true
	}
	return "", false
}
