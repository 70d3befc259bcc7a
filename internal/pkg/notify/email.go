package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"figwatch/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier sends alert mail over SMTP.
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// Send mails the event to the configured alert address. Missing SMTP config
// downgrades to a warning instead of failing the caller.
func (n *EmailNotifier) Send(ctx context.Context, event Event) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(n.cfg.AlertEmail) == "" {
		n.logger.Warn("alert recipient empty, skip notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.AlertEmail)
	m.SetHeader("Subject", fmt.Sprintf("[figwatch] task alert: %s", event.Task))
	m.SetBody("text/html", n.buildHTMLBody(event))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("alert email sent",
		slog.String("to", n.cfg.AlertEmail),
		slog.String("task", event.Task),
		slog.String("reason", event.Reason))
	return nil
}

func (n *EmailNotifier) buildHTMLBody(event Event) string {
	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #7f1d1d; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .reason { font-size: 20px; font-weight: bold; color: #ef4444; margin: 8px 0 12px; }
  .detail { font-family: monospace; font-size: 13px; background: #f3f4f6; padding: 12px; border-radius: 8px; white-space: pre-wrap; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[figwatch] task alert</div>
    <div class="content">
      <div class="reason">%s</div>
      <div>Task: <b>%s</b></div>
      <div class="detail">%s</div>
      <div class="footer">Failed at %s</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template, event.Reason, event.Task, event.Detail, event.FailedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
}
