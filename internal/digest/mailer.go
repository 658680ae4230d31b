package digest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	sendgrid "github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/push"
	"github.com/soundchain/notifier/pkg/config"
	"github.com/soundchain/notifier/pkg/logging"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// Digest is the batched summary handed to the mail transport for one user
type Digest struct {
	User          models.User
	Since         time.Time
	Notifications []models.Notification
}

// Mailer delivers one digest
type Mailer interface {
	Send(ctx context.Context, d Digest) error
}

// NewMailer returns a SendGrid mailer, or a mailer that only logs when no API key is configured
func NewMailer(cfg *config.DigestConfig) Mailer {
	if cfg.SendgridAPIKey == "" {
		return logMailer{logger: logging.WithComponent("digest")}
	}
	return NewSendgridMailer(cfg)
}

type logMailer struct {
	logger *zap.Logger
}

func (m logMailer) Send(ctx context.Context, d Digest) error {
	m.logger.Info("Digest ready, no mail transport configured",
		zap.Int64("user_id", d.User.ID),
		zap.Int("notifications", len(d.Notifications)))
	return nil
}

// SendgridMailer sends digests through a SendGrid dynamic template
type SendgridMailer struct {
	apiKey     string
	host       string
	fromEmail  string
	fromName   string
	templateID string
	groupID    int
}

// NewSendgridMailer creates a mailer for the SendGrid v3 API
func NewSendgridMailer(cfg *config.DigestConfig) *SendgridMailer {
	return &SendgridMailer{
		apiKey:     cfg.SendgridAPIKey,
		host:       sendgridHost,
		fromEmail:  cfg.FromEmail,
		fromName:   cfg.FromName,
		templateID: cfg.TemplateID,
		groupID:    cfg.UnsubscribeGroupID,
	}
}

// Send implements Mailer
func (m *SendgridMailer) Send(ctx context.Context, d Digest) error {
	msg := m.message(d)

	// rest.Request carries the body, so every send builds its own request
	req := sendgrid.GetRequest(m.apiKey, sendgridEndpoint, m.host)
	req.Method = http.MethodPost
	req.Body = mail.GetRequestBody(msg)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid request failed: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func (m *SendgridMailer) message(d Digest) *mail.SGMailV3 {
	msg := mail.NewV3Mail()
	msg.SetFrom(mail.NewEmail(m.fromName, m.fromEmail))
	msg.SetTemplateID(m.templateID)
	if m.groupID > 0 {
		msg.SetASM(mail.NewASM().SetGroupID(m.groupID))
	}

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail(displayName(d.User), d.User.Email))
	p.DynamicTemplateData = templateData(d)
	msg.AddPersonalizations(p)
	return msg
}

func displayName(u models.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Handle
}

func templateData(d Digest) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(d.Notifications))
	for _, n := range d.Notifications {
		entries = append(entries, map[string]interface{}{
			"id":        n.ID,
			"type":      string(n.Type),
			"title":     push.Render(n).Title,
			"count":     len(n.Actions),
			"timestamp": n.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	return map[string]interface{}{
		"name":          displayName(d.User),
		"handle":        d.User.Handle,
		"count":         len(d.Notifications),
		"notifications": entries,
	}
}
