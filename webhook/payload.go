package webhook

import (
	"time"

	"github.com/masa23/mailhookd/model"
)

// EventEmailReceived fires once per persisted recipient copy.
const EventEmailReceived = "email_received"

// EventTest is the synthetic event used by the connectivity check.
const EventTest = "test_event"

type payloadWebhook struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

type payloadEmail struct {
	ID        uint64 `json:"id"`
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	To        []string `json:"to"`
	Subject   string `json:"subject"`
	Date      string `json:"date"`
	Size      int64  `json:"size"`

	// Full content rides along only for email_received.
	Text        string             `json:"text,omitempty"`
	HTML        string             `json:"html,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

type payload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Webhook   payloadWebhook `json:"webhook"`
	Email     payloadEmail   `json:"email"`
}

func buildPayload(sub *model.WebhookSubscription, eventType string, msg *model.Message) payload {
	p := payload{
		Event:     eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Webhook:   payloadWebhook{ID: sub.ID, Name: sub.Name},
		Email: payloadEmail{
			ID:        msg.ID,
			MessageID: msg.MessageID,
			From:      msg.From,
			To:        msg.To,
			Subject:   msg.Subject,
			Date:      msg.ReceivedAt.UTC().Format(time.RFC3339),
			Size:      msg.SizeBytes,
		},
	}

	if eventType == EventEmailReceived {
		p.Email.Text = msg.TextBody
		p.Email.HTML = msg.HTMLBody
		p.Email.Attachments = msg.Attachments
	}

	return p
}

// testMessage is the fixed synthetic message sent by Test.
func testMessage() *model.Message {
	return &model.Message{
		MessageID:  "<test-message-id@localhost>",
		From:       "test@example.com",
		To:         []string{"recipient@example.com"},
		Subject:    "Webhook delivery test",
		TextBody:   "This is a webhook connectivity test.",
		SizeBytes:  100,
		ReceivedAt: time.Now(),
	}
}
