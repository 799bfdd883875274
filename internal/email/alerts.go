package email

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Alerter mails ledger alerts to a fixed recipient list. Its Dispatch method
// has the same shape as the webhook dispatcher so both can be fanned out from
// one callback.
type Alerter struct {
	sender     Sender
	recipients []string
	prefix     string
	logger     *zap.Logger
}

// NewAlerter returns an Alerter. Subjects are prefixed with prefix, e.g.
// "[ledger]".
func NewAlerter(sender Sender, recipients []string, prefix string, logger *zap.Logger) *Alerter {
	return &Alerter{sender: sender, recipients: recipients, prefix: prefix, logger: logger}
}

// Enabled reports whether any recipient is configured.
func (a *Alerter) Enabled() bool { return len(a.recipients) > 0 }

// Dispatch mails one alert to every recipient. Failures are logged, not
// returned; one unreachable mailbox does not stop the others.
func (a *Alerter) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	subject, body := Format(a.prefix, eventType, payload)
	for _, to := range a.recipients {
		if err := a.sender.Send(ctx, to, subject, body); err != nil {
			a.logger.Error("alert mail failed",
				zap.String("to", to),
				zap.String("event_type", eventType),
				zap.Error(err),
			)
		}
	}
}

// Format renders an alert as a subject line and a body of sorted
// "key: value" lines.
func Format(prefix, eventType string, payload map[string]string) (subject, body string) {
	subject = eventType
	if seq, ok := payload["sequence"]; ok {
		subject = fmt.Sprintf("%s at sequence %s", eventType, seq)
	}
	if prefix != "" {
		subject = prefix + " " + subject
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", eventType)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, payload[k])
	}
	return subject, b.String()
}
