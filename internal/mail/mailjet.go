package mail

import (
	"context"
	"fmt"

	mailjet "github.com/mailjet/mailjet-apiv3-go"
)

type mailjetTransport struct {
	client *mailjet.Client
}

func newMailjetTransport(apiKey, apiSecret string) *mailjetTransport {
	return &mailjetTransport{client: mailjet.NewMailjetClient(apiKey, apiSecret)}
}

func (t *mailjetTransport) name() string { return "mailjet" }

func (t *mailjetTransport) send(ctx context.Context, from address, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info := mailjet.InfoMessagesV31{
		From: &mailjet.RecipientV31{Email: from.email, Name: from.name},
		To: &mailjet.RecipientsV31{
			mailjet.RecipientV31{Email: msg.To, Name: msg.ToName},
		},
		Subject:  msg.Subject,
		TextPart: msg.Text,
		HTMLPart: msg.HTML,
	}
	if from.replyTo != "" {
		info.ReplyTo = &mailjet.RecipientV31{Email: from.replyTo}
	}

	messages := mailjet.MessagesV31{Info: []mailjet.InfoMessagesV31{info}}
	if _, err := t.client.SendMailV31(&messages); err != nil {
		return fmt.Errorf("mailjet send: %w", err)
	}
	return nil
}

func (t *mailjetTransport) verify(ctx context.Context) Diagnostic {
	return Diagnostic{OK: true, Detail: "mailjet credentials are set; delivery is confirmed on first send"}
}
