package indigo

import (
	"bytes"
	"context"
	"fmt"
	"gstinvoice-backend/internal/components/session"
	"gstinvoice-backend/internal/invoice"
	"gstinvoice-backend/pkg/htmlutil"
	"net/http"
	"net/url"

	"github.com/PuerkitoBio/goquery"
)

// everything that only makes sense inside the live portal
var strippedSelectors = []string{
	`div[role="dialog"]`,
	"noscript",
	"script",
	"div.imgloaderGif",
}

// Render turns the raw invoice page into a standalone html document with
// every image embedded.
func (c client) Render(ctx context.Context, sess *session.Session, raw []byte) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(raw))
	if err != nil {
		c.tel.ReportBroken(report_client_render, fmt.Errorf("parse invoice: %w", err))
		return nil, invoice.Wrap(invoice.PORTAL_ISSUE, err)
	}

	htmlutil.Strip(doc, strippedSelectors...)

	base, err := url.Parse(c.resourceUrl)
	if err != nil {
		return nil, invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("resource url: %w", err))
	}

	err = htmlutil.InlineImages(ctx, doc, func(ctx context.Context, src string) (string, []byte, error) {
		ref, err := url.Parse(src)
		if err != nil {
			return "", nil, err
		}
		res, err := sess.Http.R().
			SetContext(ctx).
			Get(base.ResolveReference(ref).String())
		if err != nil {
			return "", nil, err
		}
		if res.StatusCode() != http.StatusOK {
			return "", nil, fmt.Errorf("unexpected status %s", res.Status())
		}
		contentType := res.Header().Get("content-type")
		if contentType == "" {
			contentType = http.DetectContentType(res.Body())
		}
		return contentType, res.Body(), nil
	})
	if err != nil {
		c.tel.ReportWarning(report_client_render, err)
		return nil, invoice.Wrap(invoice.PORTAL_ISSUE, err)
	}

	out, err := htmlutil.Render(doc)
	if err != nil {
		return nil, invoice.Wrap(invoice.PORTAL_ISSUE, err)
	}
	return out, nil
}
