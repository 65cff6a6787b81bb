// ABOUTME: Button and modal handlers that drive the report workflow from Discord.
// ABOUTME: Report sessions are keyed by the alert message ID so each alert reports at most once.

package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/jfeddern/anubis/internal/engine"
	"github.com/jfeddern/anubis/internal/workflow"
	"github.com/sirupsen/logrus"
)

func (b *Bot) handleComponent(ctx context.Context, i *discordgo.InteractionCreate) error {
	id, err := parseCustomID(i.MessageComponentData().CustomID)
	if err != nil {
		return err
	}

	if !b.authorized(i) {
		return b.reject(ctx, i)
	}

	switch id.Kind {
	case "report":
		name, version, err := reportTarget(id, i.Message)
		if err != nil {
			message, _ := errorMessage(err)
			return b.reply(ctx, i, message, true)
		}
		return b.openReport(ctx, i, name, version)
	case "fallback":
		return b.resolveFallback(ctx, i, id.A == "confirm", id.B)
	}
	return fmt.Errorf("unexpected component kind %q", id.Kind)
}

func (b *Bot) openReport(ctx context.Context, i *discordgo.InteractionCreate, name, version string) error {
	if i.Message == nil {
		return fmt.Errorf("report button interaction without message")
	}

	session, err := b.reportSession(ctx, i.Message.ID, i.ChannelID, name, version)
	switch {
	case errors.Is(err, engine.ErrPackageNotFound):
		return b.reply(ctx, i, fmt.Sprintf("No scan found for `%s %s` anymore.", name, version), true)
	case err != nil:
		return fmt.Errorf("failed to load report session: %w", err)
	}

	form, err := session.workflow.Open(workflow.TransportAPI)
	if err != nil {
		if message, ok := errorMessage(err); ok {
			return b.reply(ctx, i, message, true)
		}
		return err
	}

	if err := b.session.InteractionRespond(i.Interaction, ModalResponse(form), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to open report form: %w", err)
	}
	return nil
}

// reportSession returns the session for messageID, creating it from a fresh lookup.
// The lookup runs outside the cache lock so a slow upstream only delays this button press.
func (b *Bot) reportSession(ctx context.Context, messageID, channelID, name, version string) (*reportSession, error) {
	if session, ok := b.sessions.Get(messageID); ok {
		return session, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, reportLookupTimeout)
	defer cancel()

	scan, err := b.engine.Lookup(lookupCtx, name, version)
	if err != nil {
		return nil, err
	}

	return b.sessions.GetOrCreate(messageID, func() (*reportSession, error) {
		return &reportSession{
			workflow: workflow.New(messageID, *scan, workflow.Dependencies{
				Reporter:         b.reporter,
				Auditor:          b.auditor,
				Locks:            b.locks,
				DefaultRecipient: b.config.ReportRecipient,
				Logger:           b.logger,
			}),
			channelID: channelID,
			name:      scan.Name,
			version:   scan.Version,
		}, nil
	})
}

func (b *Bot) handleModal(ctx context.Context, i *discordgo.InteractionCreate) error {
	data := i.ModalSubmitData()
	id, err := parseCustomID(data.CustomID)
	if err != nil {
		return err
	}
	if id.Kind != "modal" {
		return fmt.Errorf("unexpected modal kind %q", id.Kind)
	}
	transport, err := workflow.ParseTransport(id.A)
	if err != nil {
		return err
	}

	if !b.authorized(i) {
		return b.reject(ctx, i)
	}

	session, ok := b.sessions.Get(id.B)
	if !ok {
		return b.reply(ctx, i, "This report form has expired. Press Report on the alert again.", true)
	}

	if err := b.deferReply(ctx, i, true); err != nil {
		return err
	}

	outcome, err := session.workflow.Submit(ctx, actorFrom(i), transport, formValues(data.Components))
	if err != nil {
		if message, ok := errorMessage(err); ok {
			return b.editReply(ctx, i.Interaction, message, nil, nil)
		}
		if editErr := b.editReply(ctx, i.Interaction, "An unexpected error occurred.", nil, nil); editErr != nil {
			b.logger.WithError(editErr).Warn("Failed to report submission failure to user")
		}
		return fmt.Errorf("failed to submit report for %s %s: %w", session.name, session.version, err)
	}

	if outcome.Reported {
		b.engine.Forget(session.name, session.version)
		if err := b.editReply(ctx, i.Interaction, "Reported!", nil, nil); err != nil {
			return err
		}
		b.disableReportButton(ctx, session)
		return nil
	}

	prompt := outcome.Fallback
	session.setPrompt(i.Interaction, prompt.Offered)
	content := fmt.Sprintf("Reporting via %s failed: %v\nRetry via %s?",
		transportLabel(prompt.Failed), prompt.Err, transportLabel(prompt.Offered))
	return b.editReply(ctx, i.Interaction, content, nil, FallbackComponents(prompt.WorkflowID, prompt.Offered, false))
}

func (b *Bot) resolveFallback(ctx context.Context, i *discordgo.InteractionCreate, confirm bool, workflowID string) error {
	session, ok := b.sessions.Get(workflowID)
	if !ok {
		return b.reply(ctx, i, "This report form has expired. Press Report on the alert again.", true)
	}

	form, err := session.workflow.ResolveFallback(confirm)
	if err != nil {
		if message, ok := errorMessage(err); ok {
			return b.reply(ctx, i, message, true)
		}
		return err
	}

	if err := b.session.InteractionRespond(i.Interaction, ModalResponse(form), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to open fallback form: %w", err)
	}

	if prompt, offered := session.takePrompt(); prompt != nil {
		components := FallbackComponents(workflowID, offered, true)
		if _, err := b.session.InteractionResponseEdit(prompt, &discordgo.WebhookEdit{Components: &components}, discordgo.WithContext(ctx)); err != nil {
			b.logger.WithError(err).WithField("workflow_id", workflowID).Warn("Failed to disable fallback prompt")
		}
	}
	return nil
}

func (b *Bot) disableReportButton(ctx context.Context, session *reportSession) {
	components := ReportComponents(session.name, session.version, true)
	_, err := b.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         session.workflow.ID(),
		Channel:    session.channelID,
		Components: &components,
	}, discordgo.WithContext(ctx))
	if err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"component":  "discord",
			"message_id": session.workflow.ID(),
		}).Warn("Failed to disable report button")
	}
}

// formValues collects text inputs from a submitted modal
func formValues(rows []discordgo.MessageComponent) workflow.FormValues {
	var values workflow.FormValues
	for _, row := range rows {
		for _, input := range textInputs(row) {
			switch input.CustomID {
			case workflow.FieldAdditionalInformation:
				values.AdditionalInformation = input.Value
			case workflow.FieldInspectorURL:
				values.InspectorURL = input.Value
			case workflow.FieldRecipient:
				values.Recipient = input.Value
			}
		}
	}
	return values
}

func textInputs(component discordgo.MessageComponent) []discordgo.TextInput {
	var children []discordgo.MessageComponent
	switch row := component.(type) {
	case *discordgo.ActionsRow:
		children = row.Components
	case discordgo.ActionsRow:
		children = row.Components
	default:
		return nil
	}

	inputs := make([]discordgo.TextInput, 0, len(children))
	for _, child := range children {
		switch input := child.(type) {
		case *discordgo.TextInput:
			inputs = append(inputs, *input)
		case discordgo.TextInput:
			inputs = append(inputs, input)
		}
	}
	return inputs
}
