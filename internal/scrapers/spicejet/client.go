package spicejet

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
)

const (
	report_client_locate = "client.locate"
	report_client_fetch  = "client.fetch"
)

const handlerPath = "/gstdownload/GSTHandler.ashx"

type record struct {
	PNRNo     string `json:"PNRNo"`
	InvoiceNo string `json:"InvoiceNo"`
}

type lookupResponse struct {
	PNRGSTDetailsList []record `json:"PNRGSTDetailsList"`
}

type client struct {
	lookupAttempts int
	fetchAttempts  int
	delay          time.Duration
	tel            telemetry.API
}

// Locate lists the invoices of a pnr or the single record of an invoice
// number, the portal is flaky so every failure is retried.
func (c client) Locate(ctx context.Context, sess *session.Session, key invoice.Key) ([]record, error) {
	params := map[string]string{
		"RequestType":   "PNRGSTDetails",
		"PNR":           key.Pnr,
		"GSTMailNumber": "",
		"InvoiceNumber": "",
		"Email":         "",
	}
	if key.Pnr == "" {
		params["InvoiceNumber"] = key.InvoiceNumber
	}

	parsed, err := retry.DoVal(ctx, retry.Config{
		MaxAttempts: c.lookupAttempts,
		Delay:       c.delay,
		OnRetry: func(attempt int, err error) {
			c.tel.ReportWarning(report_client_locate, err, attempt)
		},
	}, func(ctx context.Context) (lookupResponse, error) {
		var parsed lookupResponse
		res, err := sess.Http.R().
			SetContext(ctx).
			SetQueryParams(params).
			Post(handlerPath)
		if err != nil {
			return parsed, retry.Transient(err)
		}
		if res.StatusCode() == http.StatusForbidden {
			return parsed, invoice.New(invoice.IP_BLOCKED, "lookup: %s", res.Status())
		}
		if res.StatusCode() != http.StatusOK {
			return parsed, retry.Transient(fmt.Errorf("lookup: %s", res.Status()))
		}
		err = json.Unmarshal(res.Body(), &parsed)
		if err != nil {
			return parsed, retry.Transient(fmt.Errorf("parse lookup: %w", err))
		}
		return parsed, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		c.tel.ReportBroken(report_client_locate, err)
		return nil, invoice.Wrap(invoice.RETRY_EXCEEDED, err)
	}
	if err != nil {
		return nil, invoice.Wrap(invoice.CodeOf(err), err)
	}

	seen := invoice.NewCandidates()
	var records []record
	for _, r := range parsed.PNRGSTDetailsList {
		if !seen.Add(r.InvoiceNo) {
			continue
		}
		records = append(records, r)
	}
	if len(records) == 0 {
		return nil, invoice.New(invoice.INVALID_DATA, "no invoices found for %+v", key)
	}
	return records, nil
}

var pdfMagic = []byte("%PDF")

// Fetch downloads the pdf of a single record.
func (c client) Fetch(ctx context.Context, sess *session.Session, r record) ([]byte, error) {
	body, err := retry.DoVal(ctx, retry.Config{
		MaxAttempts: c.fetchAttempts,
		Delay:       c.delay,
		OnRetry: func(attempt int, err error) {
			c.tel.ReportWarning(report_client_fetch, err, r.InvoiceNo, attempt)
		},
	}, func(ctx context.Context) ([]byte, error) {
		res, err := sess.Http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"RequestType":   "DownloadGSTInvoice",
				"PNRNumber":     r.PNRNo,
				"InvoiceNumber": r.InvoiceNo,
			}).
			Get(handlerPath)
		if err != nil {
			return nil, err
		}
		if res.StatusCode() != http.StatusOK {
			return nil, invoice.New(invoice.PORTAL_ISSUE, "download %s: %s", r.InvoiceNo, res.Status())
		}
		if !bytes.HasPrefix(bytes.TrimSpace(res.Body()), pdfMagic) {
			return nil, invoice.New(invoice.PORTAL_ISSUE, "download %s: response is not a pdf", r.InvoiceNo)
		}
		return res.Body(), nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return nil, invoice.Wrap(invoice.RETRY_EXCEEDED, err)
	}
	if err != nil {
		return nil, invoice.Wrap(invoice.CodeOf(err), err)
	}
	return body, nil
}
