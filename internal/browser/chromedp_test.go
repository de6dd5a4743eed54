package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/stretchr/testify/require"

	"github.com/tagaudit/gtm-audit-crawler/internal/detect"
)

func TestDispatchFansOutToSubscribers(t *testing.T) {
	t.Parallel()

	p := &Page{
		requestSubs: map[int]func(detect.RequestEvent){},
		consoleSubs: map[int]func(detect.ConsoleEvent){},
	}

	var first, second []string
	cancelFirst := p.OnRequest(func(ev detect.RequestEvent) { first = append(first, ev.URL) })
	p.OnRequest(func(ev detect.RequestEvent) { second = append(second, ev.URL) })

	p.dispatch(&network.EventRequestWillBeSent{
		Request: &network.Request{URL: "https://a.example/x.js", Method: "GET"},
	})
	require.Equal(t, []string{"https://a.example/x.js"}, first)
	require.Equal(t, []string{"https://a.example/x.js"}, second)

	cancelFirst()
	p.dispatch(&network.EventRequestWillBeSent{
		Request: &network.Request{URL: "https://b.example/y.js", Method: "GET"},
	})
	require.Len(t, first, 1, "canceled subscriber must not receive events")
	require.Len(t, second, 2)
}

func TestDispatchIgnoresEventsWithoutRequest(t *testing.T) {
	t.Parallel()

	p := &Page{
		requestSubs: map[int]func(detect.RequestEvent){},
		consoleSubs: map[int]func(detect.ConsoleEvent){},
	}
	called := false
	p.OnRequest(func(detect.RequestEvent) { called = true })
	p.dispatch(&network.EventRequestWillBeSent{})
	require.False(t, called)
}

func TestToRequestEventUsesWallTime(t *testing.T) {
	t.Parallel()

	wall := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	wallTime := cdp.TimeSinceEpoch(wall)
	ev := &network.EventRequestWillBeSent{
		Request:  &network.Request{URL: "https://t.example/p.js", Method: "GET"},
		WallTime: &wallTime,
		Type:     network.ResourceTypeScript,
	}
	converted := toRequestEvent(ev)
	require.Equal(t, "https://t.example/p.js", converted.URL)
	require.Equal(t, wall, converted.Timestamp.UTC())
	require.Equal(t, "Script", converted.ResourceType)
}

func TestToRequestEventFallsBackToNow(t *testing.T) {
	t.Parallel()

	before := time.Now()
	converted := toRequestEvent(&network.EventRequestWillBeSent{
		Request: &network.Request{URL: "https://t.example/p.js"},
	})
	require.False(t, converted.Timestamp.Before(before))
}

func TestToConsoleEventTakesFirstArgValue(t *testing.T) {
	t.Parallel()

	ev := &runtime.EventConsoleAPICalled{
		Type: runtime.APITypeLog,
		Args: []*runtime.RemoteObject{
			{},
			{Value: jsontext.Value(`"gtm loaded"`)},
		},
	}
	converted := toConsoleEvent(ev)
	require.Equal(t, "log", converted.Level)
	require.Equal(t, `"gtm loaded"`, converted.Text)
}

func TestNoopPage(t *testing.T) {
	t.Parallel()

	var page detect.Page = NoopPage{}
	require.ErrorIs(t, page.Navigate(context.Background(), "https://x.example"), ErrNoBrowser)

	var out []string
	require.ErrorIs(t, page.Evaluate(context.Background(), "1+1", &out), ErrNoBrowser)

	cancel := page.OnRequest(func(detect.RequestEvent) {})
	cancel()

	_, err := page.Cookies(context.Background())
	require.ErrorIs(t, err, ErrNoBrowser)
}
