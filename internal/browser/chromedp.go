// Package browser contains page controllers that execute JavaScript via
// headless Chrome.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/tagaudit/gtm-audit-crawler/internal/detect"
)

// Config controls the shared browser process.
type Config struct {
	UserAgent string
	// ExtraHeaders are sent on every request from pages of this browser.
	ExtraHeaders map[string]string
}

// Browser owns the exec allocator shared by all pages. Callers create one
// Browser per process and a fresh Page per analysis.
type Browser struct {
	cfg         Config
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewBrowser builds the allocator with automation-hiding flags.
func NewBrowser(cfg Config, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Browser{
		cfg:         cfg,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// Close cancels the allocator context, tearing down the browser process.
func (b *Browser) Close() {
	b.allocCancel()
}

// NewPage creates a fresh tab with network and runtime domains enabled and
// event dispatch armed. The caller must Close the page when done.
func (b *Browser) NewPage() (*Page, error) {
	taskCtx, taskCancel := chromedp.NewContext(b.allocator)

	p := &Page{
		ctx:         taskCtx,
		cancel:      taskCancel,
		logger:      b.logger,
		requestSubs: map[int]func(detect.RequestEvent){},
		consoleSubs: map[int]func(detect.ConsoleEvent){},
	}
	chromedp.ListenTarget(taskCtx, p.dispatch)

	if err := chromedp.Run(taskCtx, b.setupAction()); err != nil {
		taskCancel()
		return nil, fmt.Errorf("page setup: %w", err)
	}
	return p, nil
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := runtime.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable runtime domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(b.cfg.ExtraHeaders) > 0 {
			headers := network.Headers{}
			for key, value := range b.cfg.ExtraHeaders {
				headers[key] = value
			}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// Page implements detect.Page on one browser tab.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu          sync.Mutex
	nextSubID   int
	requestSubs map[int]func(detect.RequestEvent)
	consoleSubs map[int]func(detect.ConsoleEvent)
}

// Close tears the tab down.
func (p *Page) Close() {
	p.cancel()
}

// Navigate loads the URL and waits for the body to be ready, honoring the
// caller's deadline.
func (p *Page) Navigate(ctx context.Context, pageURL string) error {
	runCtx, cancel := p.boundCtx(ctx)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", pageURL, err)
	}
	return nil
}

// Evaluate runs the expression in page context and unmarshals the result.
func (p *Page) Evaluate(ctx context.Context, expression string, out any) error {
	runCtx, cancel := p.boundCtx(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expression, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// OnRequest registers a network-request subscriber; the returned function
// removes it.
func (p *Page) OnRequest(fn func(detect.RequestEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	p.requestSubs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.requestSubs, id)
	}
}

// OnConsole registers a console-message subscriber.
func (p *Page) OnConsole(fn func(detect.ConsoleEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	p.consoleSubs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.consoleSubs, id)
	}
}

// Cookies enumerates browser cookies for the page's storage partition.
func (p *Page) Cookies(ctx context.Context) ([]detect.Cookie, error) {
	runCtx, cancel := p.boundCtx(ctx)
	defer cancel()

	var cookies []*network.Cookie
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}

	out := make([]detect.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, detect.Cookie{Name: c.Name, Domain: c.Domain, Value: c.Value})
	}
	return out, nil
}

func (p *Page) dispatch(ev any) {
	switch event := ev.(type) {
	case *network.EventRequestWillBeSent:
		if event.Request == nil {
			return
		}
		converted := toRequestEvent(event)
		p.mu.Lock()
		subs := make([]func(detect.RequestEvent), 0, len(p.requestSubs))
		for _, fn := range p.requestSubs {
			subs = append(subs, fn)
		}
		p.mu.Unlock()
		for _, fn := range subs {
			fn(converted)
		}
	case *runtime.EventConsoleAPICalled:
		converted := toConsoleEvent(event)
		p.mu.Lock()
		subs := make([]func(detect.ConsoleEvent), 0, len(p.consoleSubs))
		for _, fn := range p.consoleSubs {
			subs = append(subs, fn)
		}
		p.mu.Unlock()
		for _, fn := range subs {
			fn(converted)
		}
	}
}

// boundCtx derives a chromedp-rooted context carrying the caller's deadline.
// chromedp actions must run on the page's own context chain, so the caller's
// context cannot be used directly.
func (p *Page) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(p.ctx, deadline)
	}
	return context.WithCancel(p.ctx)
}

func toRequestEvent(ev *network.EventRequestWillBeSent) detect.RequestEvent {
	ts := time.Now()
	if ev.WallTime != nil {
		ts = ev.WallTime.Time()
	}
	return detect.RequestEvent{
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		Timestamp:    ts,
		ResourceType: string(ev.Type),
	}
}

func toConsoleEvent(ev *runtime.EventConsoleAPICalled) detect.ConsoleEvent {
	text := ""
	for _, arg := range ev.Args {
		if arg == nil || len(arg.Value) == 0 {
			continue
		}
		text = string(arg.Value)
		break
	}
	return detect.ConsoleEvent{
		Level:     string(ev.Type),
		Text:      text,
		Timestamp: consoleTime(ev.Timestamp),
	}
}

func consoleTime(ts *runtime.Timestamp) time.Time {
	if ts == nil {
		return time.Now()
	}
	return ts.Time()
}

var _ detect.Page = (*Page)(nil)
