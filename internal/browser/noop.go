package browser

import (
	"context"
	"errors"

	"github.com/tagaudit/gtm-audit-crawler/internal/detect"
)

// ErrNoBrowser is returned by NoopPage operations that need a live browser.
var ErrNoBrowser = errors.New("browser: no browser attached")

// NoopPage satisfies detect.Page without a browser. Navigation and script
// evaluation fail with ErrNoBrowser; subscriptions succeed and never fire.
// Useful for wiring tests and dry runs.
type NoopPage struct{}

func (NoopPage) Navigate(context.Context, string) error        { return ErrNoBrowser }
func (NoopPage) Evaluate(context.Context, string, any) error   { return ErrNoBrowser }
func (NoopPage) OnRequest(func(detect.RequestEvent)) func()    { return func() {} }
func (NoopPage) OnConsole(func(detect.ConsoleEvent)) func()    { return func() {} }
func (NoopPage) Cookies(context.Context) ([]detect.Cookie, error) {
	return nil, ErrNoBrowser
}

var _ detect.Page = NoopPage{}
