// client.go contains the requests made against the indigo gst portal, it does not
// know anything about identities, attempts or persistence.

package indigo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gstinvoice-backend/internal/components/retry"
	"gstinvoice-backend/internal/components/session"
	"gstinvoice-backend/internal/components/telemetry"
	"gstinvoice-backend/internal/invoice"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	report_client_locate     = "client.locate"
	report_client_auth_token = "client.auth-token"
	report_client_fetch      = "client.fetch"
	report_client_render     = "client.render"
)

type client struct {
	fetchAttempts int
	fetchDelay    time.Duration
	resourceUrl   string
	tel           telemetry.API
}

type lookupResponse struct {
	IndigoGSTDetails *struct {
		ErrorMessage   string `json:"errorMessage"`
		InvoiceDetails struct {
			ObjInvoiceDetails []struct {
				InvoiceNumber string `json:"invoiceNumber"`
			} `json:"objInvoiceDetails"`
		} `json:"invoiceDetails"`
	} `json:"indigoGSTDetails"`
}

// Locate finds the invoice numbers issued for a PNR. A key that already has an
// invoice number needs no lookup.
func (c client) Locate(ctx context.Context, sess *session.Session, key invoice.Key, identity invoice.Identity) (*invoice.Candidates, error) {
	if key.Pnr == "" {
		if key.InvoiceNumber == "" {
			return nil, invoice.New(invoice.INVALID_DATA, "neither pnr nor invoice number given")
		}
		return invoice.NewCandidates(key.InvoiceNumber), nil
	}
	if identity == "" {
		return nil, invoice.New(invoice.INVALID_DATA, "an email is required to look up pnr %s", key.Pnr)
	}

	res, err := sess.Http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"indigoGSTDetails.PNR":   key.Pnr,
			"indigoGSTDetails.email": string(identity),
		}).
		Get("/booking/ValidateGSTInvoiceDetails")
	if err != nil {
		c.tel.ReportWarning(report_client_locate, fmt.Errorf("request: %w", err))
		return nil, invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("lookup: %w", err))
	}
	if res.StatusCode() == http.StatusForbidden {
		return nil, invoice.New(invoice.IP_BLOCKED, "lookup: %s", res.Status())
	}
	if res.StatusCode() != http.StatusOK {
		return nil, invoice.New(invoice.PORTAL_ISSUE, "lookup: %s: %s", res.Status(), res.String())
	}

	var parsed lookupResponse
	err = json.Unmarshal(res.Body(), &parsed)
	if err != nil {
		c.tel.ReportBroken(report_client_locate, fmt.Errorf("parse response: %w", err))
		return nil, invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("parse lookup: %w", err))
	}
	if parsed.IndigoGSTDetails == nil {
		c.tel.ReportBroken(report_client_locate, fmt.Errorf("response is missing indigoGSTDetails"), res.String())
		return nil, invoice.New(invoice.PORTAL_ISSUE, "unexpected lookup response: %s", res.String())
	}
	if msg := parsed.IndigoGSTDetails.ErrorMessage; msg != "" {
		return nil, invoice.New(invoice.INVALID_DATA, "portal rejected lookup: %s", msg)
	}

	candidates := invoice.NewCandidates()
	for _, details := range parsed.IndigoGSTDetails.InvoiceDetails.ObjInvoiceDetails {
		candidates.Add(details.InvoiceNumber)
	}
	if candidates.Len() == 0 {
		return nil, invoice.New(invoice.INVALID_DATA, "no invoices for pnr %s", key.Pnr)
	}
	return candidates, nil
}

// AuthToken retrieves the anti forgery token the fetch form must be posted with.
func (c client) AuthToken(ctx context.Context, sess *session.Session, key invoice.Key, identity invoice.Identity) (string, error) {
	form := map[string]string{
		"indigoGSTDetails.PNR":           key.Pnr,
		"indigoGSTDetails.CustEmail":     string(identity),
		"indigoGSTDetails.InvoiceNumber": "",
		"indigoGSTDetails.InvoiceEmail":  "",
	}
	if key.Pnr == "" {
		form = map[string]string{
			"indigoGSTDetails.IsIndigoSkin":  "true",
			"indigoGSTDetails.PNR":           "",
			"indigoGSTDetails.InvoiceNumber": key.InvoiceNumber,
			"GstRetrieve":                    "Retrieve",
		}
	}

	res, err := sess.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post("/Booking/GSTInvoiceDetails")
	if err != nil {
		c.tel.ReportWarning(report_client_auth_token, fmt.Errorf("request: %w", err))
		return "", invoice.Wrap(invoice.FAILED_TO_CONNECT_TO_AUTH, err)
	}
	if res.StatusCode() != http.StatusOK {
		return "", invoice.New(invoice.PORTAL_ISSUE, "auth token: %s", res.Status())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		c.tel.ReportBroken(report_client_auth_token, fmt.Errorf("parse page: %w", err))
		return "", invoice.Wrap(invoice.FAILED_SEARCH_AUTH_TOKEN_IN_FORM, err)
	}
	token := doc.Find("input[name=__RequestVerificationToken]").AttrOr("value", "")
	if token == "" {
		c.tel.ReportWarning(report_client_auth_token, fmt.Errorf("could not find __RequestVerificationToken"))
		return "", invoice.New(invoice.FAILED_SEARCH_AUTH_TOKEN_IN_FORM, "no verification token in form")
	}
	return token, nil
}

// Fetch downloads the raw invoice page of a single candidate, broken
// connections are retried a couple of times.
func (c client) Fetch(ctx context.Context, sess *session.Session, token, candidate string) ([]byte, error) {
	body, err := retry.DoVal(ctx, retry.Config{
		MaxAttempts: c.fetchAttempts,
		Delay:       c.fetchDelay,
		OnRetry: func(attempt int, err error) {
			c.tel.ReportWarning(report_client_fetch, err, candidate, attempt)
		},
	}, func(ctx context.Context) ([]byte, error) {
		res, err := sess.Http.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"__RequestVerificationToken":     token,
				"IndigoGSTInvoice.InvoiceNumber": candidate,
				"IndigoGSTInvoice.IsPrint":       "false",
				"IndigoGSTInvoice.isExempted":    "",
				"IndigoGSTInvoice.ExemptedMsg":   "",
			}).
			Post("/Booking/GSTInvoice")
		if err != nil {
			return nil, err
		}
		if res.StatusCode() != http.StatusOK {
			return nil, invoice.New(invoice.PORTAL_ISSUE, "fetch %s: %s", candidate, res.Status())
		}
		if len(bytes.TrimSpace(res.Body())) == 0 {
			return nil, invoice.New(invoice.PORTAL_ISSUE, "fetch %s: empty body", candidate)
		}
		return res.Body(), nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return nil, invoice.Wrap(invoice.RETRY_EXCEEDED, err)
		}
		return nil, invoice.Wrap(invoice.CodeOf(err), err)
	}
	return body, nil
}
