package models

import (
	"fmt"
	"net/mail"
	"net/url"
	"strings"
)

// ChannelType is a notification transport kind.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelTeams   ChannelType = "teams"
	ChannelWebhook ChannelType = "webhook"
)

// IsValid checks if the channel type is known
func (c ChannelType) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelTeams, ChannelWebhook:
		return true
	default:
		return false
	}
}

// Channel is one notification target on a rule. The set of implementations
// is closed: EmailChannel, TeamsChannel and WebhookChannel, each built by a
// validating constructor.
type Channel interface {
	Type() ChannelType
	Target() string
	TemplateID() string

	channel()
}

// EmailChannel delivers to a mailbox.
type EmailChannel struct {
	address    string
	templateID string
}

func (c EmailChannel) Type() ChannelType  { return ChannelEmail }
func (c EmailChannel) Target() string     { return c.address }
func (c EmailChannel) TemplateID() string { return c.templateID }
func (EmailChannel) channel()             {}

// TeamsChannel delivers to a Teams incoming webhook.
type TeamsChannel struct {
	webhookURL string
	templateID string
}

func (c TeamsChannel) Type() ChannelType  { return ChannelTeams }
func (c TeamsChannel) Target() string     { return c.webhookURL }
func (c TeamsChannel) TemplateID() string { return c.templateID }
func (TeamsChannel) channel()             {}

// WebhookChannel delivers to an arbitrary HTTP endpoint.
type WebhookChannel struct {
	url        string
	templateID string
}

func (c WebhookChannel) Type() ChannelType  { return ChannelWebhook }
func (c WebhookChannel) Target() string     { return c.url }
func (c WebhookChannel) TemplateID() string { return c.templateID }
func (WebhookChannel) channel()             {}

// NewEmailChannel validates the address.
func NewEmailChannel(address, templateID string) (EmailChannel, error) {
	address = strings.TrimSpace(address)
	addr, err := mail.ParseAddress(address)
	if err != nil {
		return EmailChannel{}, fmt.Errorf("email address %q: %v", address, err)
	}
	return EmailChannel{address: addr.Address, templateID: strings.TrimSpace(templateID)}, nil
}

// NewTeamsChannel validates the webhook URL.
func NewTeamsChannel(webhookURL, templateID string) (TeamsChannel, error) {
	u, err := parseHTTPURL(webhookURL)
	if err != nil {
		return TeamsChannel{}, err
	}
	return TeamsChannel{webhookURL: u, templateID: strings.TrimSpace(templateID)}, nil
}

// NewWebhookChannel validates the endpoint URL.
func NewWebhookChannel(endpoint, templateID string) (WebhookChannel, error) {
	u, err := parseHTTPURL(endpoint)
	if err != nil {
		return WebhookChannel{}, err
	}
	return WebhookChannel{url: u, templateID: strings.TrimSpace(templateID)}, nil
}

// NewChannel builds the variant matching typ.
func NewChannel(typ ChannelType, target, templateID string) (Channel, error) {
	switch typ {
	case ChannelEmail:
		return NewEmailChannel(target, templateID)
	case ChannelTeams:
		return NewTeamsChannel(target, templateID)
	case ChannelWebhook:
		return NewWebhookChannel(target, templateID)
	default:
		return nil, fmt.Errorf("unknown channel type %q", typ)
	}
}

func parseHTTPURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("url %q: %v", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("url %q must be absolute http(s)", raw)
	}
	return u.String(), nil
}
