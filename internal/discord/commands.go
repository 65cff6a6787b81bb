// ABOUTME: Declarative table of the bot's application commands and their handlers.
// ABOUTME: start, stop and threshold require the security role; lookup is open to everyone.

package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/jfeddern/anubis/internal/engine"
	"github.com/sirupsen/logrus"
)

type Command struct {
	Name        string
	Description string
	Options     []*discordgo.ApplicationCommandOption
	Privileged  bool
	Handler     func(b *Bot, ctx context.Context, i *discordgo.InteractionCreate) error
}

var minThreshold = 0.0

func commandTable() []Command {
	return []Command{
		{
			Name:        "start",
			Description: "Start the scan loop",
			Privileged:  true,
			Handler:     (*Bot).startCommand,
		},
		{
			Name:        "stop",
			Description: "Stop the scan loop after the current cycle",
			Privileged:  true,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "force",
					Description: "Cancel the cycle in progress",
				},
			},
			Handler: (*Bot).stopCommand,
		},
		{
			Name:        "threshold",
			Description: "Show or change the alert score threshold",
			Privileged:  true,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "get",
					Description: "Show the current threshold",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "set",
					Description: "Change the threshold for the next cycle",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "value",
							Description: "Minimum score that raises an alert",
							Required:    true,
							MinValue:    &minThreshold,
						},
					},
				},
			},
			Handler: (*Bot).thresholdCommand,
		},
		{
			Name:        "lookup",
			Description: "Look up the scan result of a package",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "name",
					Description: "Package name",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "version",
					Description: "Package version, defaults to the latest scan",
				},
			},
			Handler: (*Bot).lookupCommand,
		},
	}
}

func (b *Bot) handleCommand(ctx context.Context, i *discordgo.InteractionCreate) error {
	name := i.ApplicationCommandData().Name
	command, ok := b.commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}

	if command.Privileged && !b.authorized(i) {
		b.logger.WithFields(logrus.Fields{
			"component": "discord",
			"command":   name,
			"user_id":   actorFrom(i).ID,
		}).Warn("Rejected privileged command")
		return b.reject(ctx, i)
	}

	return command.Handler(b, ctx, i)
}

func (b *Bot) startCommand(ctx context.Context, i *discordgo.InteractionCreate) error {
	err := b.engine.Start(b.ctx)
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning):
		return b.reply(ctx, i, "Task is already running.", false)
	case err != nil:
		return fmt.Errorf("failed to start scan loop: %w", err)
	}
	return b.reply(ctx, i, "Started task...", false)
}

func (b *Bot) stopCommand(ctx context.Context, i *discordgo.InteractionCreate) error {
	force := false
	if option, ok := options(i.ApplicationCommandData().Options)["force"]; ok {
		force = option.BoolValue()
	}

	err := b.engine.Stop(force)
	switch {
	case errors.Is(err, engine.ErrNotRunning):
		return b.reply(ctx, i, "Task is not running.", false)
	case err != nil:
		return fmt.Errorf("failed to stop scan loop: %w", err)
	}

	if force {
		return b.reply(ctx, i, "Cancelling task...", false)
	}
	return b.reply(ctx, i, "Stopping task...", false)
}

func (b *Bot) thresholdCommand(ctx context.Context, i *discordgo.InteractionCreate) error {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return fmt.Errorf("threshold command without subcommand")
	}

	sub := data.Options[0]
	switch sub.Name {
	case "get":
		return b.reply(ctx, i, fmt.Sprintf("Current threshold is %d.", b.engine.Threshold()), false)
	case "set":
		option, ok := options(sub.Options)["value"]
		if !ok {
			return fmt.Errorf("threshold set without value")
		}
		value := int(option.IntValue())
		if value < 0 {
			return b.reply(ctx, i, "Threshold must not be negative.", true)
		}
		previous := b.engine.Threshold()
		b.engine.SetThreshold(value)
		return b.reply(ctx, i, fmt.Sprintf("Threshold set to %d (was %d).", value, previous), false)
	}
	return fmt.Errorf("unknown threshold subcommand %q", sub.Name)
}

func (b *Bot) lookupCommand(ctx context.Context, i *discordgo.InteractionCreate) error {
	opts := options(i.ApplicationCommandData().Options)
	name := opts["name"].StringValue()
	version := ""
	if option, ok := opts["version"]; ok {
		version = option.StringValue()
	}

	if err := b.deferReply(ctx, i, false); err != nil {
		return err
	}

	result, err := b.engine.Lookup(ctx, name, version)
	switch {
	case errors.Is(err, engine.ErrPackageNotFound):
		label := name
		if version != "" {
			label += " " + version
		}
		return b.editReply(ctx, i.Interaction, fmt.Sprintf("No scan found for `%s`.", label), nil, nil)
	case err != nil:
		if editErr := b.editReply(ctx, i.Interaction, "Lookup failed, try again later.", nil, nil); editErr != nil {
			b.logger.WithError(editErr).Warn("Failed to report lookup failure to user")
		}
		return err
	}

	return b.editReply(ctx, i.Interaction, "",
		[]*discordgo.MessageEmbed{AlertEmbed(*result)},
		ReportComponents(result.Name, result.Version, false))
}

func options(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	byName := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, opt := range opts {
		byName[opt.Name] = opt
	}
	return byName
}
