package service

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"billing-service/config"
	"billing-service/internal/util"
)

// Notification kinds
const (
	NotificationSubscriptionActivated = "subscription_activated"
	NotificationSubscriptionCanceled  = "subscription_canceled"
)

// MailNotifier sends courtesy notifications over SendGrid. Every caller
// treats delivery as best-effort: a failed send is logged and never changes
// the outcome of the write that triggered it.
type MailNotifier struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	logger    *zap.Logger
}

func NewMailNotifier(cfg config.MailConfig) *MailNotifier {
	return &MailNotifier{
		client:    sendgrid.NewSendClient(cfg.SendGridAPIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    util.GetLogger(),
	}
}

// Notify sends one notification of the given kind to the address.
func (n *MailNotifier) Notify(ctx context.Context, email, kind string) error {
	subject, body, err := messageFor(kind)
	if err != nil {
		return err
	}

	from := mail.NewEmail(n.fromName, n.fromEmail)
	to := mail.NewEmail("", email)
	message := mail.NewSingleEmail(from, subject, to, body, body)

	resp, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		util.NotificationsFailedTotal.Inc()
		return fmt.Errorf("failed to send %s notification: %w", kind, err)
	}

	if resp.StatusCode >= 400 {
		util.NotificationsFailedTotal.Inc()
		return fmt.Errorf("sendgrid rejected %s notification: status %d", kind, resp.StatusCode)
	}

	util.NotificationsSentTotal.Inc()
	n.logger.Info("Notification sent",
		zap.String("kind", kind),
		zap.String("email", email))
	return nil
}

func messageFor(kind string) (subject, body string, err error) {
	switch kind {
	case NotificationSubscriptionActivated:
		return "Your subscription is active",
			"Thanks for subscribing. Your subscription is now active and your workspace is ready.",
			nil
	case NotificationSubscriptionCanceled:
		return "Your subscription has been canceled",
			"Your subscription has been canceled. Your data remains available until the end of the billing period.",
			nil
	default:
		return "", "", fmt.Errorf("unknown notification kind: %s", kind)
	}
}
