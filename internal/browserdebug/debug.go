// Package browserdebug drives a real chromedp client against a running
// relay's own advertised CDP endpoint, so an operator can sanity check the
// relay end to end without hand-rolling a WebSocket client.
package browserdebug

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// Tab describes one page the relay exposed through chromedp.Targets.
type Tab struct {
	ID    string
	Type  string
	Title string
	URL   string
}

// ListTabs connects chromedp's remote allocator at relayHTTPURL (the
// relay's /json/version-serving base URL) and lists every page-type
// target it can see — exactly what a CDP client driving real automation
// through the relay would see.
func ListTabs(ctx context.Context, relayHTTPURL string) ([]Tab, error) {
	allocCtx, cancel := chromedp.NewRemoteAllocator(ctx, relayHTTPURL)
	defer cancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	targets, err := chromedp.Targets(taskCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets via %s: %w", relayHTTPURL, err)
	}

	tabs := make([]Tab, 0, len(targets))
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		tabs = append(tabs, Tab{
			ID:    string(t.TargetID),
			Type:  t.Type,
			Title: t.Title,
			URL:   t.URL,
		})
	}
	return tabs, nil
}

// Attach connects to relayHTTPURL and navigates the first available page
// target to url, returning the final page title — a minimal smoke test
// that the relay forwards Page.navigate and Target.* correctly.
func Attach(ctx context.Context, relayHTTPURL, url string) (string, error) {
	allocCtx, cancel := chromedp.NewRemoteAllocator(ctx, relayHTTPURL)
	defer cancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var title string
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.Title(&title),
	); err != nil {
		return "", fmt.Errorf("navigate via %s: %w", relayHTTPURL, err)
	}
	return title, nil
}
