package reader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	readability "codeberg.org/readeck/go-readability/v2"
)

const (
	DefaultFetchTimeout  = 12 * time.Second
	DefaultBodyByteLimit = 2 * 1024 * 1024

	defaultUserAgent = "issue-index-preview/1.0"
)

const (
	SourceReader      = "reader"
	SourceDescription = "description"
	SourceNone        = "none"
)

// FetchOptions controls HTTP behavior for reader preview extraction.
type FetchOptions struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	HTTPClient    *http.Client
}

// Preview is the readable text of one bucket article.
type Preview struct {
	Text      string  `json:"preview_text"`
	Source    string  `json:"source"`
	CharCount int     `json:"char_count"`
	Truncated bool    `json:"truncated"`
	Error     *string `json:"preview_error,omitempty"`
}

type Fetcher struct {
	opts FetchOptions
}

func NewFetcher(opts FetchOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.BodyByteLimit <= 0 {
		opts.BodyByteLimit = DefaultBodyByteLimit
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{opts: opts}
}

// Preview extracts readable text from link. When the page cannot be read it
// falls back to the article description and reports the fetch error.
func (f *Fetcher) Preview(ctx context.Context, link, title, description string, maxChars int) Preview {
	description = CleanText(description)

	var (
		raw    string
		source = SourceNone
		err    error
	)
	if strings.TrimSpace(link) != "" {
		raw, err = f.FetchText(ctx, link, title)
		if err == nil && raw != "" {
			source = SourceReader
		}
	}
	if source == SourceNone && description != "" {
		raw = description
		source = SourceDescription
	}

	text, truncated := TruncateText(raw, maxChars)
	out := Preview{
		Text:      text,
		Source:    source,
		CharCount: utf8.RuneCountInString(text),
		Truncated: truncated,
	}
	if err != nil {
		msg := err.Error()
		out.Error = &msg
	}
	return out
}

// FetchText retrieves a page and extracts its readable text.
func (f *Fetcher) FetchText(ctx context.Context, link string, title string) (string, error) {
	page := strings.TrimSpace(link)
	if page == "" {
		return "", fmt.Errorf("article link is required")
	}
	pageURL, err := url.Parse(page)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		return "", fmt.Errorf("article link %q is not an http url", page)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, page, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9,en;q=0.8")

	resp, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.BodyByteLimit))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.HasPrefix(contentType, "text/plain") {
		return CleanText(string(body)), nil
	}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return "", fmt.Errorf("readability parse: %w", err)
	}

	var rendered bytes.Buffer
	if err := article.RenderText(&rendered); err != nil {
		return "", fmt.Errorf("render readability text: %w", err)
	}

	text := CleanText(rendered.String())
	if text == "" {
		text = CleanText(article.Excerpt())
	}
	if text == "" {
		text = strings.TrimSpace(title)
	}
	if text == "" {
		return "", fmt.Errorf("reader extracted empty content")
	}
	return text, nil
}

// CleanText normalizes line endings and collapses extra in-line whitespace.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(strings.TrimSpace(line)), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}

// TruncateText clips text to maxChars runes and appends an ellipsis when truncated.
func TruncateText(raw string, maxChars int) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if maxChars <= 0 {
		return trimmed, false
	}

	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed, false
	}
	if maxChars == 1 {
		return "…", true
	}

	clipped := strings.TrimSpace(string(runes[:maxChars-1]))
	if clipped == "" {
		return "…", true
	}
	return clipped + "…", true
}
