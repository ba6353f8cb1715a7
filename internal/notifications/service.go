package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/adirai/community-api/internal/config"
	"github.com/adirai/community-api/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// Mailer sends one composed message
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Service hands delivery plans to the push webhook and e-mails moderation alerts
type Service struct {
	config *config.Config
	client *resty.Client
	mailer Mailer
}

// Ensure Service implements NotificationInterface
var _ NotificationInterface = (*Service)(nil)

// DeliveryRequest is the webhook body for a staged push rollout
type DeliveryRequest struct {
	PostID    string                 `json:"postId"`
	Area      string                 `json:"area,omitempty"`
	Category  string                 `json:"category"`
	Content   string                 `json:"content"`
	Tier      string                 `json:"tier"`
	Reach     int                    `json:"reach"`
	Stages    []models.DeliveryStage `json:"stages"`
	Requested time.Time              `json:"requestedAt"`
}

// NewService creates a new notification service
func NewService(cfg *config.Config) *Service {
	s := &Service{
		config: cfg,
		client: resty.New().SetTimeout(5 * time.Second),
	}
	if len(cfg.ModerationEmails) > 0 {
		s.mailer = gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	}
	return s
}

// WithMailer replaces the SMTP dialer
func (s *Service) WithMailer(m Mailer) *Service {
	s.mailer = m
	return s
}

// DispatchDeliveryPlan posts the plan to the push webhook. Without a webhook
// the plan is only logged.
func (s *Service) DispatchDeliveryPlan(ctx context.Context, post *models.Post, plan models.DeliveryPlan) error {
	if s.config.NotifyWebhookURL == "" {
		logrus.WithFields(logrus.Fields{
			"post_id": post.ID,
			"tier":    plan.Tier,
			"reach":   plan.Reach,
		}).Info("Delivery plan computed, no webhook configured")
		return nil
	}

	body := DeliveryRequest{
		PostID:    post.ID,
		Area:      post.LocationTag,
		Category:  post.Category,
		Content:   truncate(post.Content, 280),
		Tier:      plan.Tier,
		Reach:     plan.Reach,
		Stages:    plan.Stages,
		Requested: time.Now().UTC(),
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(s.config.NotifyWebhookURL)
	if err != nil {
		return fmt.Errorf("failed to send delivery plan: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("delivery webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	logrus.WithFields(logrus.Fields{
		"post_id": post.ID,
		"tier":    plan.Tier,
	}).Info("Delivery plan dispatched")
	return nil
}

// SendAlert e-mails a moderation alert to the configured moderators
func (s *Service) SendAlert(ctx context.Context, alert *models.Alert) error {
	if len(s.config.ModerationEmails) == 0 || s.mailer == nil {
		logrus.WithFields(logrus.Fields{
			"type":  alert.Type,
			"title": alert.Title,
		}).Info("Moderation alert raised, no recipients configured")
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	htmlBody, err := buildAlertHTML(alert)
	if err != nil {
		return fmt.Errorf("failed to build alert HTML: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.config.SMTPUsername)
	m.SetHeader("To", s.config.ModerationEmails...)
	m.SetHeader("Subject", fmt.Sprintf("[community] %s", alert.Title))
	m.SetBody("text/plain", buildAlertText(alert))
	m.AddAlternative("text/html", htmlBody)

	if err := s.mailer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	logrus.WithField("type", alert.Type).Info("Moderation alert sent")
	return nil
}

var alertTemplate = template.Must(template.New("alert").Funcs(template.FuncMap{
	"truncate": func(length int, s string) string { return truncate(s, length) },
}).Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .header { background-color: #d13438; color: white; padding: 16px; border-radius: 5px; }
        .post { border-left: 4px solid #d13438; padding: 10px; margin: 16px 0; background-color: #fafafa; }
        .meta { color: #666; font-size: 0.9em; }
    </style>
</head>
<body>
    <div class="header">
        <h2>{{.Title}}</h2>
        <p>{{.CreatedAt.Format "January 2, 2006 at 3:04 PM UTC"}}</p>
    </div>
    <p>{{.Message}}</p>
    {{if .Post}}
    <div class="post">
        <div class="meta">{{.Post.Category}} | {{.Post.LocationTag}} | urgent {{.Post.UrgentVotes}} | suspicious {{.Post.SuspiciousSignalsCount}}</div>
        <p>{{.Post.Content | truncate 500}}</p>
    </div>
    {{end}}
</body>
</html>
`))

func buildAlertHTML(alert *models.Alert) (string, error) {
	var buf bytes.Buffer
	if err := alertTemplate.Execute(&buf, alert); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildAlertText(alert *models.Alert) string {
	var text strings.Builder
	text.WriteString(alert.Title + "\n")
	text.WriteString(alert.CreatedAt.Format("2006-01-02 15:04:05 UTC") + "\n\n")
	text.WriteString(alert.Message + "\n")
	if alert.Post != nil {
		text.WriteString(fmt.Sprintf("\nPost %s (%s, %s)\n", alert.Post.ID, alert.Post.Category, alert.Post.LocationTag))
		text.WriteString(truncate(alert.Post.Content, 500) + "\n")
	}
	return text.String()
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length] + "..."
}
