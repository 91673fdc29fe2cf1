package htmlutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"
)

var tracer = otel.Tracer("gstinvoice/pkg/htmlutil")

var innerWhitespace = regexp.MustCompile(`\s+`)

// CleanText drops non printable characters and collapses runs of whitespace.
func CleanText(s string) string {
	out := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) || unicode.IsSpace(c) {
			out.WriteRune(c)
		}
	}
	return innerWhitespace.ReplaceAllString(strings.TrimSpace(out.String()), " ")
}

// Strip removes every element matching any of the selectors.
func Strip(doc *goquery.Document, selectors ...string) int {
	removed := 0
	for _, sel := range selectors {
		matched := doc.Find(sel)
		removed += matched.Length()
		matched.Remove()
	}
	return removed
}

// ImageFetcher downloads the image at src, src is whatever the img tag contained.
type ImageFetcher func(ctx context.Context, src string) (contentType string, content []byte, err error)

// InlineImages replaces the src of every image with a base64 data url, images
// that are already inlined are left alone. The first failure aborts.
func InlineImages(ctx context.Context, doc *goquery.Document, fetch ImageFetcher) error {
	ctx, span := tracer.Start(ctx, "InlineImages")
	defer span.End()

	var err error
	doc.Find("img[src]").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src := strings.TrimSpace(img.AttrOr("src", ""))
		if src == "" || strings.HasPrefix(src, "data:") {
			return true
		}

		contentType, content, fetchErr := fetch(ctx, src)
		if fetchErr != nil {
			err = fmt.Errorf("image %s: %w", src, fetchErr)
			return false
		}
		if contentType == "" {
			contentType = "image/png"
		}

		img.SetAttr("src", fmt.Sprintf(
			"data:%s;base64,%s",
			contentType,
			base64.StdEncoding.EncodeToString(content),
		))
		span.AddEvent("inlined", trace.WithAttributes(
			attribute.String("src", src),
			attribute.Int("size", len(content)),
		))
		return true
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to inline image")
	}
	return err
}

// Render serializes the whole document back into html.
func Render(doc *goquery.Document) ([]byte, error) {
	var buff bytes.Buffer
	for _, n := range doc.Nodes {
		err := html.Render(&buff, n)
		if err != nil {
			return nil, err
		}
	}
	return buff.Bytes(), nil
}
