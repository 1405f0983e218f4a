// Package web provides the fetch_url tool. HTML responses are reduced to
// readable text before they reach the transcript.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"nanoagent/internal/logging"
	"nanoagent/internal/tools"

	"golang.org/x/net/html"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 2 << 20

// Options configures the fetch tool.
type Options struct {
	Client *http.Client
	// MaxChars bounds the returned text (default 20000).
	MaxChars int
}

// FetchURLTool returns the fetch_url tool.
func FetchURLTool(opts Options) *tools.Tool {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 20000
	}
	return &tools.Tool{
		Name:        tools.FetchURL,
		Description: "Fetch a URL over HTTP(S). HTML is converted to plain text and long responses are truncated",
		Category:    tools.CategoryResearch,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return fetch(ctx, opts, args)
		},
		Schema: tools.ToolSchema{
			Required: []string{"url"},
			Properties: map[string]tools.Property{
				"url": {Type: "string", Description: "The http or https URL to fetch"},
			},
		},
	}
}

func fetch(ctx context.Context, opts Options, args map[string]any) (string, error) {
	url, err := tools.StringArg(args, "url")
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("only http and https URLs are supported")
	}

	logging.ToolsDebug("fetch_url: %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; nanoagent/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain,application/json;q=0.9,*/*;q=0.8")

	resp, err := opts.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(tools.Truncate(string(body), 200)))
	}

	text := string(body)
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "html") || looksLikeHTML(text) {
		text, err = htmlToText(text)
		if err != nil {
			return "", fmt.Errorf("failed to parse HTML: %w", err)
		}
	}

	logging.Tools("fetch_url completed: %s status=%d (%d chars)", url, resp.StatusCode, len(text))
	return fmt.Sprintf("HTTP %d\n\n%s", resp.StatusCode, tools.Truncate(text, opts.MaxChars)), nil
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(strings.TrimSpace(s))
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// htmlToText strips markup, scripts and styles.
func htmlToText(htmlContent string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	extractText(doc, &sb, 0)
	return cleanText(sb.String()), nil
}

func extractText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 200 {
		return
	}

	switch n.Type {
	case html.TextNode:
		text := strings.TrimSpace(n.Data)
		if text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "template":
			return
		case "head":
			// Keep the title, drop the rest.
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && c.Data == "title" {
					extractText(c, sb, depth+1)
					sb.WriteString("\n\n")
				}
			}
			return
		case "p", "div", "section", "article", "h1", "h2", "h3", "h4", "h5", "h6", "tr", "pre", "blockquote":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb, depth+1)
	}
}

func cleanText(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
