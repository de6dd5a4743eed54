package detect

import (
	"context"
	"time"
)

// RequestEvent is one observed outgoing network request.
type RequestEvent struct {
	URL          string
	Method       string
	Timestamp    time.Time
	ResourceType string
}

// ConsoleEvent is one observed console message.
type ConsoleEvent struct {
	Level     string
	Text      string
	Timestamp time.Time
}

// Cookie is the subset of browser cookie state the engine records.
type Cookie struct {
	Name   string
	Domain string
	Value  string
}

// Page is the browser collaborator driven by the engine. Implementations own
// the underlying browser tab; the engine never manages browser lifecycle.
// Subscriptions must be armed before Navigate so signals racing the
// navigation are not lost; the returned function cancels the subscription.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Evaluate(ctx context.Context, expression string, out any) error
	OnRequest(fn func(RequestEvent)) (cancel func())
	OnConsole(fn func(ConsoleEvent)) (cancel func())
	Cookies(ctx context.Context) ([]Cookie, error)
}
