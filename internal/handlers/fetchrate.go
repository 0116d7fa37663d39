package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/html"

	"taskmanager/internal/task"
)

const rateClass = "white-space-nowrap"

var errRateNotFound = errors.New("rate not found in page")

type rateFetcher struct {
	cfg  FetchRateConfig
	http *resty.Client
	now  func() time.Time
}

// Run fetches the rate page and appends "timestamp,price" to the output CSV.
// "url" and "output" params override the configured values.
func (f *rateFetcher) Run(ctx context.Context, p task.Params) (task.Detail, error) {
	url := p.TextOr("url", f.cfg.URL)
	out := p.TextOr("output", f.cfg.Output)

	resp, err := f.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	raw := resp.RawBody()
	defer raw.Close()
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode())
	}

	price, err := extractRate(raw)
	if err != nil {
		return nil, err
	}
	at := f.now()
	if err := appendRate(out, at, price); err != nil {
		return nil, err
	}
	return task.Detail{"price": price, "url": url, "output": out, "at": at.Format(time.RFC3339)}, nil
}

// extractRate returns the trimmed text of the first span carrying rateClass.
func extractRate(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	n := findSpan(doc)
	if n == nil {
		return "", errRateNotFound
	}
	var b strings.Builder
	collectText(n, &b)
	price := strings.TrimSpace(b.String())
	if price == "" {
		return "", errRateNotFound
	}
	return price, nil
}

func findSpan(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "span" && hasClass(n, rateClass) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := findSpan(c); m != nil {
			return m
		}
	}
	return nil
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func appendRate(path string, at time.Time, price string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{at.Format(time.RFC3339), price}); err != nil {
		_ = f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
