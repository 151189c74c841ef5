// Package webread implements the web_read tool: fetch a URL, extract the
// readable article content, and convert it to Markdown for model context.
// Grounded directly on internal/tools/web/fetch.go's Fetcher/FetchMarkdown,
// trimmed of its multi-URL batching and full-text-search indexing (neither
// has a home in this service's scope) down to the single-URL fetch path.
package webread

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html/charset"
)

// Result is the structured fetch outcome; Markdown is the payload handed
// back to the model.
type Result struct {
	InputURL     string
	FinalURL     string
	Status       int
	ContentType  string
	Title        string
	Markdown     string
	UsedReadable bool
	FetchedAt    time.Time
}

// Fetcher performs the hardened HTTP GET + readability + markdown pipeline.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher returns a Fetcher with production-safe defaults: a 20s
// timeout, an 8MB body cap, and redirect following capped at 10 hops.
func NewFetcher() *Fetcher {
	dialer := &net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   7 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   20 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}
	return &Fetcher{client: client, maxBytes: 8 * 1000 * 1000}
}

// FetchMarkdown fetches rawURL and returns best-effort Markdown. It never
// returns a nil Result on success; non-text content gets a short stub.
func (f *Fetcher) FetchMarkdown(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("webread: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webread: unsupported scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; streamorch-webread/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	ct, cs := parseContentType(resp.Header.Get("Content-Type"))

	limited := io.LimitReader(resp.Body, f.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("webread: read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("webread: response exceeds %d bytes", f.maxBytes)
	}

	utf8Body, err := toUTF8(body, cs)
	if err != nil {
		return nil, fmt.Errorf("webread: charset decode: %w", err)
	}

	res := &Result{InputURL: rawURL, FinalURL: finalURL, Status: resp.StatusCode, ContentType: ct, FetchedAt: time.Now()}

	if !isHTML(ct) {
		if strings.HasPrefix(ct, "text/") {
			res.Markdown = fenced(string(utf8Body))
			return res, nil
		}
		res.Markdown = fmt.Sprintf("**Downloaded a non-text resource** (`%s`, %d bytes). [Original](%s)", orOctetStream(ct), len(body), finalURL)
		return res, nil
	}

	html := string(utf8Body)
	var articleHTML, title string
	if base, berr := url.Parse(finalURL); berr == nil {
		if art, rerr := readability.FromReader(strings.NewReader(html), base); rerr == nil && strings.TrimSpace(art.Content) != "" {
			articleHTML = art.Content
			title = strings.TrimSpace(art.Title)
			res.UsedReadable = true
		}
	}
	if articleHTML == "" {
		articleHTML = html
	}

	md, err := htmltomarkdown.ConvertString(articleHTML, converter.WithDomain(baseOrigin(finalURL)))
	if err != nil {
		return nil, fmt.Errorf("webread: html to markdown: %w", err)
	}
	if title != "" && !strings.HasPrefix(strings.TrimLeft(md, "\n"), "# ") {
		md = "# " + title + "\n\n" + md
	}
	res.Markdown = strings.TrimSpace(md)
	res.Title = title
	return res, nil
}

func parseContentType(h string) (ctype, charsetLabel string) {
	if h == "" {
		return "", ""
	}
	mt, params, err := mime.ParseMediaType(h)
	if err != nil {
		return h, ""
	}
	return strings.ToLower(mt), strings.ToLower(params["charset"])
}

func isHTML(ct string) bool {
	return ct == "text/html" || ct == "application/xhtml+xml" || strings.HasSuffix(ct, "html")
}

func toUTF8(b []byte, charsetLabel string) ([]byte, error) {
	if charsetLabel == "" || strings.EqualFold(charsetLabel, "utf-8") {
		return b, nil
	}
	r, err := charset.NewReaderLabel(charsetLabel, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func baseOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func fenced(s string) string {
	return "```\n" + strings.TrimRight(s, "\n") + "\n```"
}

func orOctetStream(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
