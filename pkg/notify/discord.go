package notify

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DiscordNotifier posts events to a Discord channel through a webhook. The
// session is tokenless; only the webhook id/token pair is used.
type DiscordNotifier struct {
	session *discordgo.Session
	id      string
	token   string
}

// NewDiscordNotifier creates a notifier from a full webhook URL of the form
// https://discord.com/api/webhooks/<id>/<token>.
func NewDiscordNotifier(webhookURL string) (*DiscordNotifier, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}

	// Tokenless session: webhook execution needs no bot authentication.
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	return &DiscordNotifier{session: session, id: id, token: token}, nil
}

// Notify implements Notifier by executing the webhook with a single embed.
func (d *DiscordNotifier) Notify(event Event) error {
	embed := &discordgo.MessageEmbed{
		Title:       event.Title,
		Description: event.Message,
		Color:       eventColor(event.Kind),
		Timestamp:   eventTime(event).Format(time.RFC3339),
	}
	for key, value := range event.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   key,
			Value:  value,
			Inline: true,
		})
	}

	_, err := d.session.WebhookExecute(d.id, d.token, true, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	})
	if err != nil {
		return fmt.Errorf("webhook execute failed: %w", err)
	}
	return nil
}

func eventColor(kind EventKind) int {
	switch kind {
	case EventSaveComplete:
		return 0x2ecc71
	case EventSaveFailed:
		return 0xe67e22
	case EventStall:
		return 0xe74c3c
	case EventRecovery:
		return 0x3498db
	default:
		return 0x95a5a6
	}
}

func eventTime(event Event) time.Time {
	if event.At.IsZero() {
		return time.Now()
	}
	return event.At
}

func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// Expected path: api/webhooks/<id>/<token>
	if len(parts) < 2 {
		return "", "", fmt.Errorf("webhook url missing id/token segments")
	}
	id = parts[len(parts)-2]
	token = parts[len(parts)-1]
	if id == "" || token == "" {
		return "", "", fmt.Errorf("webhook url missing id/token segments")
	}
	return id, token, nil
}
