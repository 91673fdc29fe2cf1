package session

import (
	"context"
	"fmt"
	"gstinvoice-backend/internal/components/assert"
	"gstinvoice-backend/internal/components/telemetry"
	"gstinvoice-backend/internal/invoice"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
)

const report_browser_open = "browser.open"

type BrowserProfile struct {
	Vendor string
	// DownloadDir receives every file the page downloads.
	DownloadDir string
	Headless    bool
	UserAgent   string
	// ExecPath is the chrome binary, chromedp looks in the usual places when empty.
	ExecPath string
	// Timeout bounds the whole lifetime of the browser.
	Timeout time.Duration
}

// Browser is a chrome instance with a single tab owned by one attempt.
type Browser struct {
	DownloadDir string

	ctx           context.Context
	cancelTab     context.CancelFunc
	cancelAlloc   context.CancelFunc
	cancelTimeout context.CancelFunc
}

func OpenBrowser(ctx context.Context, profile BrowserProfile, proxy Proxy, tel telemetry.API) (*Browser, error) {
	assert.NotNil(tel, "telemetry")

	b, err := openBrowser(ctx, profile, proxy)
	if err != nil {
		tel.ReportBroken(report_browser_open, profile.Vendor, err)
		return nil, invoice.Wrap(invoice.FAILED_TO_INIT_SESSION, err)
	}
	return b, nil
}

func openBrowser(ctx context.Context, profile BrowserProfile, proxy Proxy) (*Browser, error) {
	downloadDir, err := filepath.Abs(profile.DownloadDir)
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(downloadDir, 0777)
	if err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	userAgent := profile.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	timeout := profile.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", profile.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(userAgent),
	)
	if profile.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(profile.ExecPath))
	}
	if !proxy.Empty() {
		proxyUrl, err := proxy.URL()
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		opts = append(opts, chromedp.ProxyServer(proxyUrl))
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(timeoutCtx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	b := &Browser{
		DownloadDir:   downloadDir,
		ctx:           tabCtx,
		cancelTab:     cancelTab,
		cancelAlloc:   cancelAlloc,
		cancelTimeout: cancelTimeout,
	}

	// the first Run starts the browser process
	err = chromedp.Run(tabCtx, browser.
		SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
		WithDownloadPath(downloadDir).
		WithEventsEnabled(true),
	)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return b, nil
}

// Context is what chromedp actions of this browser must run with.
func (b *Browser) Context() context.Context {
	return b.ctx
}

// Close stops the tab and the browser process, downloaded files are kept.
func (b *Browser) Close() {
	if b == nil {
		return
	}
	b.cancelTab()
	b.cancelAlloc()
	b.cancelTimeout()
}
