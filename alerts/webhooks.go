package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/glitchtip/ingest/db"
)

// RecipientType identifies which webhook shape a rule's URL expects,
// matching RecipientType in the original schema.
type RecipientType string

const (
	RecipientGeneric    RecipientType = "general"
	RecipientDiscord    RecipientType = "discord"
	RecipientGoogleChat RecipientType = "google_chat"
)

// Dispatcher sends a notification's issues to the webhook URL
// configured on its alert rule, picking the payload shape
// send_webhook_notification picks by recipient_type.
type Dispatcher struct {
	client *http.Client
}

func NewDispatcher(timeout time.Duration) *Dispatcher {
	return &Dispatcher{client: &http.Client{Timeout: timeout}}
}

// Send posts issues in the payload shape rule's recipient_type selects.
// It does not cap the list itself: the evaluator has already limited
// it to the configured maximum through NotificationIssues, once, for
// every transport alike.
func (d *Dispatcher) Send(ctx context.Context, rule db.AlertRule, issues []db.IssueSummary, totalIssueCount int) error {
	switch RecipientType(rule.RecipientType) {
	case RecipientDiscord:
		return d.sendDiscord(ctx, rule.WebhookURL, issues, totalIssueCount)
	case RecipientGoogleChat:
		return d.sendGoogleChat(ctx, rule.WebhookURL, issues, rule.TagsToAdd)
	default:
		return d.sendSlackShape(ctx, rule.WebhookURL, issues, totalIssueCount, rule.TagsToAdd)
	}
}

func alertMessage(count int) string {
	if count > 1 {
		return fmt.Sprintf("GlitchTip Alert (%d issues)", count)
	}
	return "GlitchTip Alert"
}

// sendSlackShape builds Slack-compatible attachments (the default
// webhook shape also consumed by Mattermost and similar tools) and
// posts them via slack-go/slack's incoming webhook client. A read
// timeout is swallowed rather than retried, matching the original's
// bare `except ReadTimeout: return None`.
func (d *Dispatcher) sendSlackShape(ctx context.Context, url string, issues []db.IssueSummary, totalCount int, tagsToAdd []string) error {
	attachments := make([]slack.Attachment, 0, len(issues))
	for _, issue := range issues {
		fields := []slack.AttachmentField{
			{Title: "Project", Value: issue.ProjectName, Short: true},
		}
		if issue.Environment != "" {
			fields = append(fields, slack.AttachmentField{Title: "Environment", Value: issue.Environment, Short: true})
		}
		if issue.ServerName != "" {
			fields = append(fields, slack.AttachmentField{Title: "Server Name", Value: issue.ServerName, Short: true})
		}
		if issue.Release != "" {
			fields = append(fields, slack.AttachmentField{Title: "Release", Value: issue.Release, Short: false})
		}
		attachments = append(attachments, slack.Attachment{
			MarkdownIn: []string{"text"},
			Title:      issueDisplayTitle(issue),
			TitleLink:  issue.DetailURL,
			Text:       issue.Culprit,
			Color:      issue.HexColor,
			Fields:     fields,
		})
	}

	msg := &slack.WebhookMessage{
		Text:        alertMessage(totalCount),
		Attachments: attachments,
	}

	webhookCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := slack.PostWebhookContext(webhookCtx, url, msg); err != nil {
		if webhookCtx.Err() != nil {
			return nil
		}
		return fmt.Errorf("alerts: slack webhook: %w", err)
	}
	return nil
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color,omitempty"`
	URL         string         `json:"url"`
	Fields      []discordField `json:"fields"`
}

type discordPayload struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

func (d *Dispatcher) sendDiscord(ctx context.Context, url string, issues []db.IssueSummary, totalCount int) error {
	embeds := make([]discordEmbed, 0, len(issues))
	for _, issue := range issues {
		fields := []discordField{{Name: "Project", Value: issue.ProjectName, Inline: true}}
		if issue.Environment != "" {
			fields = append(fields, discordField{Name: "Environment", Value: issue.Environment, Inline: true})
		}
		if issue.Release != "" {
			fields = append(fields, discordField{Name: "Release", Value: issue.Release})
		}
		if issue.ServerName != "" {
			fields = append(fields, discordField{Name: "Server name", Value: issue.ServerName})
		}
		embeds = append(embeds, discordEmbed{
			Title:       issueDisplayTitle(issue),
			Description: issue.Culprit,
			Color:       hexColorToInt(issue.HexColor),
			URL:         issue.DetailURL,
			Fields:      fields,
		})
	}
	return d.postJSON(ctx, url, discordPayload{Content: alertMessage(totalCount), Embeds: embeds})
}

type chatButton struct {
	Text    string `json:"text"`
	OnClick struct {
		OpenLink struct {
			URL string `json:"url"`
		} `json:"openLink"`
	} `json:"onClick"`
}

type chatWidget struct {
	DecoratedText *struct {
		TopLabel string `json:"topLabel"`
		Text     string `json:"text"`
	} `json:"decoratedText,omitempty"`
	ButtonList *struct {
		Buttons []chatButton `json:"buttons"`
	} `json:"buttonList,omitempty"`
}

type chatSection struct {
	Header  string       `json:"header,omitempty"`
	Widgets []chatWidget `json:"widgets"`
}

type chatCard struct {
	Header struct {
		Title    string `json:"title"`
		Subtitle string `json:"subtitle"`
	} `json:"header"`
	Sections []chatSection `json:"sections"`
}

type chatCardEnvelope struct {
	CardID string   `json:"cardId"`
	Card   chatCard `json:"card"`
}

type googleChatPayload struct {
	CardsV2 []chatCardEnvelope `json:"cardsV2"`
}

func decoratedWidget(label, text string) chatWidget {
	return chatWidget{DecoratedText: &struct {
		TopLabel string `json:"topLabel"`
		Text     string `json:"text"`
	}{TopLabel: label, Text: text}}
}

func (d *Dispatcher) sendGoogleChat(ctx context.Context, url string, issues []db.IssueSummary, tagsToAdd []string) error {
	_ = tagsToAdd // not rendered: the card carries only the fixed fields below, no tags_to_add values
	cards := make([]chatCardEnvelope, 0, len(issues))
	for _, issue := range issues {
		card := chatCard{}
		card.Header.Title = "GlitchTip Alert"
		card.Header.Subtitle = issue.ProjectName
		widgets := []chatWidget{decoratedWidget("Culprit", issue.Culprit)}
		if issue.Environment != "" {
			widgets = append(widgets, decoratedWidget("Environment", issue.Environment))
		}
		if issue.ServerName != "" {
			widgets = append(widgets, decoratedWidget("Server Name", issue.ServerName))
		}
		if issue.Release != "" {
			widgets = append(widgets, decoratedWidget("Release", issue.Release))
		}
		button := chatButton{Text: fmt.Sprintf("View Issue %d", issue.ShortID)}
		button.OnClick.OpenLink.URL = issue.DetailURL
		widgets = append(widgets, chatWidget{ButtonList: &struct {
			Buttons []chatButton `json:"buttons"`
		}{Buttons: []chatButton{button}}})

		header := fmt.Sprintf("<font color='%s'>%s</font>", issue.HexColor, issueDisplayTitle(issue))
		card.Sections = []chatSection{{Header: header, Widgets: widgets}}
		cards = append(cards, chatCardEnvelope{CardID: "createCardMessage", Card: card})
	}
	return d.postJSON(ctx, url, googleChatPayload{CardsV2: cards})
}

func (d *Dispatcher) postJSON(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alerts: marshal webhook payload: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerts: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil
		}
		return fmt.Errorf("alerts: post webhook: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

func issueDisplayTitle(issue db.IssueSummary) string {
	return fmt.Sprintf("%s (#%d)", issue.Title, issue.ShortID)
}

func hexColorToInt(hex string) int {
	hex = trimHash(hex)
	var v int
	if _, err := fmt.Sscanf(hex, "%x", &v); err != nil {
		return 0
	}
	return v
}

func trimHash(s string) string {
	if len(s) > 0 && s[0] == '#' {
		return s[1:]
	}
	return s
}
