// ABOUTME: Discord embed and component builders for alerts, summaries and report audit entries.
// ABOUTME: Also encodes and parses the custom IDs carried by buttons and modals.

package discord

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/jfeddern/anubis/internal/types"
	"github.com/jfeddern/anubis/internal/workflow"
)

const (
	alertColor  = 0xF70606
	reportColor = 0xE74C3C

	// Discord rejects embeds and components exceeding these
	maxDescriptionLength = 4096
	maxTitleLength       = 256
	maxCustomIDLength    = 100

	// Alert parts are kept below the per-field limits so the whole embed stays under 6000
	maxAlertDescriptionLength = 4000
	maxAlertFieldLength       = 512

	customIDPrefix = "anubis"

	// digestMarker replaces the package name in Report button IDs that would be too long
	digestMarker = "~"

	registryPrefix = "[PyPI](https://pypi.org/project/"
)

// AlertEmbed renders a flagged scan result
func AlertEmbed(result types.PackageScanResult) *discordgo.MessageEmbed {
	rules := "None"
	if len(result.Rules) > 0 {
		rules = strings.Join(result.Rules, ", ")
	}

	const rulesPrefix, fence = "YARA rules matched: ", "```"
	rules = truncate(rules, maxAlertDescriptionLength-len(rulesPrefix)-2*len(fence))

	embed := &discordgo.MessageEmbed{
		Title:       truncate(fmt.Sprintf("Malicious package found: %s @ %s", result.Name, result.Version), maxTitleLength),
		Description: fence + rulesPrefix + rules + fence,
		Color:       alertColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "\u200b", Value: truncate(fmt.Sprintf("[Inspector](%s)", result.InspectorURL), maxAlertFieldLength), Inline: true},
			{Name: "\u200b", Value: truncate(fmt.Sprintf("[PyPI](%s)", result.RegistryURL()), maxAlertFieldLength), Inline: true},
		},
	}
	if result.Score != nil {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Score: %d", *result.Score)}
	}
	return embed
}

// SummaryEmbed lists every result of a cycle, truncating the listing to fit one embed
func SummaryEmbed(results []types.PackageScanResult) *discordgo.MessageEmbed {
	if len(results) == 0 {
		return &discordgo.MessageEmbed{Description: "_No packages scanned_"}
	}

	const fence = "```"
	budget := maxDescriptionLength - 2*len(fence) - 32

	var lines strings.Builder
	shown := 0
	for _, result := range results {
		line := result.String() + "\n"
		if lines.Len()+len(line) > budget {
			break
		}
		lines.WriteString(line)
		shown++
	}
	if shown < len(results) {
		fmt.Fprintf(&lines, "... and %d more", len(results)-shown)
	}

	return &discordgo.MessageEmbed{
		Description: fence + strings.TrimSuffix(lines.String(), "\n") + fence,
	}
}

// ReportLogEmbed renders one filed report for the reporting audit channel
func ReportLogEmbed(entry workflow.AuditEntry, now time.Time) *discordgo.MessageEmbed {
	description := "*No description provided*"
	if entry.AdditionalInformation != nil {
		description = *entry.AdditionalInformation
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Package reported: %s v%s", entry.Name, entry.Version),
		Description: description,
		Color:       reportColor,
		Timestamp:   now.UTC().Format(time.RFC3339),
		Author:      &discordgo.MessageEmbedAuthor{Name: entry.Actor.Name},
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Reported by", Value: entry.Actor.Mention, Inline: true},
			{Name: "Transport", Value: string(entry.Transport), Inline: true},
		},
	}
	if entry.InspectorURL != nil {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Inspector URL",
			Value: fmt.Sprintf("[Inspector URL](%s)", *entry.InspectorURL),
		})
	}
	return embed
}

// ReportComponents is the Report button row attached to an alert
func ReportComponents(name, version string, disabled bool) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Report",
					Style:    discordgo.DangerButton,
					CustomID: reportButtonID(name, version),
					Disabled: disabled,
				},
			},
		},
	}
}

// FallbackComponents is the confirm/cancel row of a fallback prompt
func FallbackComponents(workflowID string, offered workflow.Transport, disabled bool) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Retry via " + transportLabel(offered),
					Style:    discordgo.PrimaryButton,
					CustomID: fallbackButtonID(true, workflowID),
					Disabled: disabled,
				},
				discordgo.Button{
					Label:    "Edit and retry",
					Style:    discordgo.SecondaryButton,
					CustomID: fallbackButtonID(false, workflowID),
					Disabled: disabled,
				},
			},
		},
	}
}

// ModalResponse renders a workflow form as a Discord modal
func ModalResponse(form workflow.Form) *discordgo.InteractionResponse {
	rows := make([]discordgo.MessageComponent, 0, len(form.Fields))
	for _, field := range form.Fields {
		style := discordgo.TextInputShort
		if field.Long {
			style = discordgo.TextInputParagraph
		}
		rows = append(rows, discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:    field.ID,
					Label:       field.Label,
					Style:       style,
					Placeholder: field.Placeholder,
					Value:       field.Default,
					Required:    field.Required,
				},
			},
		})
	}

	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID:   modalID(form.Transport, form.WorkflowID),
			Title:      form.Title,
			Components: rows,
		},
	}
}

func transportLabel(transport workflow.Transport) string {
	if transport == workflow.TransportEmail {
		return "email"
	}
	return "API"
}

// reportButtonID carries name and version when they fit. Longer releases carry a digest
// instead, resolved against the PyPI link of the alert the button is attached to.
func reportButtonID(name, version string) string {
	id := strings.Join([]string{customIDPrefix, "report", name, version}, ":")
	if len(id) <= maxCustomIDLength {
		return id
	}
	return strings.Join([]string{customIDPrefix, "report", digestMarker, packageDigest(name, version)}, ":")
}

func packageDigest(name, version string) string {
	sum := sha256.Sum256([]byte(name + "@" + version))
	return hex.EncodeToString(sum[:16])
}

// reportTarget resolves the package a Report button refers to
func reportTarget(id customID, message *discordgo.Message) (string, string, error) {
	if id.A != digestMarker {
		return id.A, id.B, nil
	}
	if message != nil {
		for _, embed := range message.Embeds {
			for _, field := range embed.Fields {
				rest, ok := strings.CutPrefix(field.Value, registryPrefix)
				if !ok {
					continue
				}
				name, version, ok := strings.Cut(strings.TrimSuffix(rest, ")"), "/")
				if ok && packageDigest(name, version) == id.B {
					return name, version, nil
				}
			}
		}
	}
	return "", "", errUnresolvedPackage
}

// truncate shortens s to at most limit characters, marking the cut with an ellipsis
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

func modalID(transport workflow.Transport, workflowID string) string {
	return strings.Join([]string{customIDPrefix, "modal", string(transport), workflowID}, ":")
}

func fallbackButtonID(confirm bool, workflowID string) string {
	action := "cancel"
	if confirm {
		action = "confirm"
	}
	return strings.Join([]string{customIDPrefix, "fallback", action, workflowID}, ":")
}

// customID is a parsed "anubis:<kind>:<a>:<b>" identifier
type customID struct {
	Kind string
	A    string
	B    string
}

func parseCustomID(id string) (customID, error) {
	parts := strings.SplitN(id, ":", 4)
	if len(parts) != 4 || parts[0] != customIDPrefix {
		return customID{}, fmt.Errorf("unrecognized custom ID %q", id)
	}
	switch parts[1] {
	case "report", "modal", "fallback":
	default:
		return customID{}, fmt.Errorf("unrecognized custom ID kind %q", parts[1])
	}
	if parts[2] == "" || parts[3] == "" {
		return customID{}, fmt.Errorf("incomplete custom ID %q", id)
	}
	return customID{Kind: parts[1], A: parts[2], B: parts[3]}, nil
}
