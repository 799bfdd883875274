// Package email delivers integrity alerts to operators by mail, alongside the
// webhook channel.
package email

import "context"

// Sender delivers one plain-text message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}
