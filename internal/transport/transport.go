// Package transport sends outbound WhatsApp messages. Send failure must
// be distinguishable from success: the dispatcher only advances pacing
// bookkeeping on a confirmed send.
package transport

import (
	"context"
	"errors"
)

// ErrSendFailed reports a delivery failure the dispatcher should retry
// on a later cycle.
var ErrSendFailed = errors.New("transport: send failed")

// Sender delivers one outbound message.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, to, body string) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, to, body string) error {
	return f(ctx, to, body)
}
