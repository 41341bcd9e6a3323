package scan

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v3"
)

// Alerter delivers one run's findings to the security team.
type Alerter interface {
	Alert(ctx context.Context, findings []Finding) error
}

// emailSender is the part of resend's Emails service the alerter uses.
type emailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendAlerter mails findings through the Resend API.
type ResendAlerter struct {
	emails emailSender
	from   string
	to     []string
}

// NewResendAlerter returns an alerter sending from one verified address to a comma-separated list.
func NewResendAlerter(apiKey, from, to string) *ResendAlerter {
	return &ResendAlerter{emails: resend.NewClient(apiKey).Emails, from: from, to: splitRecipients(to)}
}

func splitRecipients(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Alert implements Alerter.
func (a *ResendAlerter) Alert(ctx context.Context, findings []Finding) error {
	if len(findings) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("The security event scan found activity above the alert thresholds:\n\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "- user %s: %d %s (threshold %d)\n", f.UserID, f.Count, f.Kind.label(), f.Threshold)
	}
	b.WriteString("\nReview the security_events table for details.\n")

	_, err := a.emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    a.from,
		To:      a.to,
		Subject: fmt.Sprintf("[schoolhub] %d suspicious activity finding(s)", len(findings)),
		Text:    b.String(),
	})
	if err != nil {
		return fmt.Errorf("send security alert: %w", err)
	}
	return nil
}
