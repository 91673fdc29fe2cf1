package alliance

import (
	"context"
	"errors"
	"gstinvoice-backend/internal/components/session"
	"gstinvoice-backend/internal/components/telemetry"
	"time"

	"github.com/chromedp/chromedp"
)

// form is the gst lookup page of the portal.
//
// note: fault injection point
type form interface {
	Open(ctx context.Context) error
	Fill(ctx context.Context, date, pnr string) error
	CaptchaImage(ctx context.Context) ([]byte, error)
	Submit(ctx context.Context, code string) error
	// Download clicks the download link and returns the name the file is saved
	// under, an empty name means the portal did not accept the submission.
	Download(ctx context.Context) (string, error)
	DownloadDir() string
	Close()
}

type formOpener func(ctx context.Context, downloadDir string, proxy session.Proxy) (form, error)

type browserForm struct {
	browser     *session.Browser
	url         string
	stepTimeout time.Duration
}

func browserFormOpener(config Config, tel telemetry.API) formOpener {
	return func(ctx context.Context, downloadDir string, proxy session.Proxy) (form, error) {
		b, err := session.OpenBrowser(ctx, session.BrowserProfile{
			Vendor:      Name,
			DownloadDir: downloadDir,
			Headless:    !config.ShowBrowser,
			ExecPath:    config.ChromePath,
		}, proxy, tel)
		if err != nil {
			return nil, err
		}
		return &browserForm{
			browser:     b,
			url:         config.PortalUrl,
			stepTimeout: time.Duration(config.StepTimeoutMs) * time.Millisecond,
		}, nil
	}
}

func (f *browserForm) run(actions ...chromedp.Action) error {
	ctx, cancel := context.WithTimeout(f.browser.Context(), f.stepTimeout)
	defer cancel()
	return chromedp.Run(ctx, actions...)
}

func (f *browserForm) Open(ctx context.Context) error {
	return f.run(
		chromedp.Navigate(f.url),
		chromedp.WaitVisible("#txtDOJ", chromedp.ByID),
	)
}

func (f *browserForm) Fill(ctx context.Context, date, pnr string) error {
	return f.run(
		chromedp.Clear("#txtDOJ", chromedp.ByID),
		chromedp.SendKeys("#txtDOJ", date, chromedp.ByID),
		chromedp.Clear("#txtPNR", chromedp.ByID),
		chromedp.SendKeys("#txtPNR", pnr, chromedp.ByID),
	)
}

func (f *browserForm) CaptchaImage(ctx context.Context) ([]byte, error) {
	var image []byte
	err := f.run(chromedp.Screenshot("#Image1", &image, chromedp.NodeVisible, chromedp.ByID))
	return image, err
}

func (f *browserForm) Submit(ctx context.Context, code string) error {
	return f.run(
		chromedp.Clear("#txtVerificationCodeNew", chromedp.ByID),
		chromedp.SendKeys("#txtVerificationCodeNew", code, chromedp.ByID),
		chromedp.Click("#btnSearch", chromedp.ByID),
	)
}

func (f *browserForm) Download(ctx context.Context) (string, error) {
	err := f.run(chromedp.WaitVisible("#lnkdownload", chromedp.ByID))
	if errors.Is(err, context.DeadlineExceeded) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var label string
	err = f.run(
		chromedp.Click("#lnkdownload", chromedp.ByID),
		chromedp.Text("#lbl", &label, chromedp.ByID),
	)
	return label, err
}

func (f *browserForm) DownloadDir() string {
	return f.browser.DownloadDir
}

func (f *browserForm) Close() {
	f.browser.Close()
}
