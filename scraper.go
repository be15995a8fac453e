package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// HTTP timeout for each request
	ScraperTimeout = 30 * time.Second

	// Delay between fetch attempts
	ScraperRetryDelay = 2 * time.Second

	// MaxContextChars bounds how much page text is handed to the council
	MaxContextChars = 12000

	// User agent for HTTP requests
	UserAgent = "LLM-Council-Context-Fetcher/1.0"
)

var whitespacePattern = regexp.MustCompile(`\s+`)

// URLContextProvider fetches web pages and reduces them to readable text for prompts
type URLContextProvider struct {
	Client     *http.Client
	Cache      *ContextCache
	MaxChars   int
	MaxRetries int
	RetryDelay time.Duration
}

// NewURLContextProvider creates a provider with the default timeouts and a TTL cache
func NewURLContextProvider(cacheTTL time.Duration) *URLContextProvider {
	return &URLContextProvider{
		Client:     &http.Client{Timeout: ScraperTimeout},
		Cache:      NewContextCache(cacheTTL),
		MaxChars:   MaxContextChars,
		MaxRetries: 2,
		RetryDelay: ScraperRetryDelay,
	}
}

// FetchContext implements ContextProvider
func (p *URLContextProvider) FetchContext(ctx context.Context, source string) (string, error) {
	if p.Cache != nil {
		if content, ok := p.Cache.Get(source); ok {
			return content, nil
		}
	}

	content, err := p.FetchURLContent(ctx, source)
	if err != nil {
		return "", err
	}

	if p.Cache != nil {
		p.Cache.Set(source, content)
	}
	return content, nil
}

// FetchURLContent downloads a page and extracts its title and main text
func (p *URLContextProvider) FetchURLContent(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("invalid URL %q: only absolute http(s) URLs are supported", rawURL)
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: ScraperTimeout}
	}

	maxRetries := p.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	// Execute request with retry logic
	var resp *http.Response
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, reqErr := http.NewRequestWithContext(ctx, "GET", parsed.String(), nil)
		if reqErr != nil {
			return "", fmt.Errorf("failed to create request: %w", reqErr)
		}
		req.Header.Set("User-Agent", UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

		resp, err = client.Do(req)
		if err == nil {
			break
		}

		if attempt < maxRetries-1 {
			log.Printf("Fetch attempt %d for %s failed, retrying in %s: %v", attempt+1, rawURL, p.RetryDelay, err)
			if !sleepContext(ctx, p.RetryDelay) {
				return "", ctx.Err()
			}
		}
	}

	if err != nil {
		return "", fmt.Errorf("failed to fetch %s after %d attempts: %w", rawURL, maxRetries, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, rawURL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	content := ExtractPageText(doc)
	if content == "" {
		return "", fmt.Errorf("no readable content found at %s", rawURL)
	}

	maxChars := p.MaxChars
	if maxChars <= 0 {
		maxChars = MaxContextChars
	}
	return truncateText(content, maxChars), nil
}

// ExtractPageText returns the page title followed by the text of its main content
func ExtractPageText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, header, footer, aside, form, iframe, svg").Remove()

	title := normalizeWhitespace(doc.Find("title").First().Text())

	// Prefer semantic containers, falling back to the whole body
	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("main").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}

	var paragraphs []string
	root.Find("h1, h2, h3, h4, p, li, pre, blockquote, td").Each(func(i int, s *goquery.Selection) {
		// Nested matches would repeat their parent's text
		if s.ParentsFiltered("p, li, blockquote, td").Length() > 0 {
			return
		}
		if text := normalizeWhitespace(s.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})

	if len(paragraphs) == 0 {
		if text := normalizeWhitespace(root.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	}

	body := strings.Join(paragraphs, "\n")
	if title != "" && body != "" {
		return title + "\n\n" + body
	}
	return title + body
}

func normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// truncateText cuts text to at most maxChars runes, marking the cut
func truncateText(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars]) + "\n[truncated]"
}
