package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/teslashibe/go-realtalk/internal/httpc"
)

// ErrNotConfigured is returned by a headline source that has no credentials.
var ErrNotConfigured = errors.New("enrich: news source not configured")

// DefaultNewsBaseURL is the NewsAPI endpoint root.
const DefaultNewsBaseURL = "https://newsapi.org"

// NewsAPI fetches top headlines from newsapi.org.
type NewsAPI struct {
	baseURL  string
	apiKey   string
	country  string
	pageSize int
	client   *http.Client
}

// NewsOption configures a NewsAPI source.
type NewsOption func(*NewsAPI)

// WithNewsBaseURL points the source at another endpoint root.
func WithNewsBaseURL(u string) NewsOption {
	return func(n *NewsAPI) { n.baseURL = strings.TrimSuffix(u, "/") }
}

// WithCountry sets the ISO country code for top headlines.
func WithCountry(country string) NewsOption {
	return func(n *NewsAPI) { n.country = country }
}

// WithPageSize sets how many articles are requested.
func WithPageSize(size int) NewsOption {
	return func(n *NewsAPI) { n.pageSize = size }
}

// WithHTTPClient replaces the shared HTTP client.
func WithHTTPClient(c *http.Client) NewsOption {
	return func(n *NewsAPI) { n.client = c }
}

// NewNewsAPI creates a headline source. An empty key yields a source that
// always reports ErrNotConfigured.
func NewNewsAPI(apiKey string, opts ...NewsOption) *NewsAPI {
	n := &NewsAPI{
		baseURL:  DefaultNewsBaseURL,
		apiKey:   strings.TrimSpace(apiKey),
		country:  "us",
		pageSize: 5,
		client:   httpc.Client,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type topHeadlinesResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Title string `json:"title"`
	} `json:"articles"`
}

// Headlines returns article titles in the order the API ranks them.
func (n *NewsAPI) Headlines(ctx context.Context) ([]string, error) {
	if n.apiKey == "" {
		return nil, ErrNotConfigured
	}

	q := url.Values{}
	q.Set("country", n.country)
	q.Set("pageSize", strconv.Itoa(n.pageSize))
	endpoint := n.baseURL + "/v2/top-headlines?" + q.Encode()

	var resp topHeadlinesResponse
	header := http.Header{"X-Api-Key": []string{n.apiKey}}
	if err := httpc.GetJSON(ctx, n.client, endpoint, header, &resp); err != nil {
		return nil, fmt.Errorf("enrich: fetch headlines: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("enrich: news api status %q: %s %s", resp.Status, resp.Code, resp.Message)
	}

	titles := make([]string, 0, len(resp.Articles))
	for _, a := range resp.Articles {
		if title := strings.TrimSpace(a.Title); title != "" {
			titles = append(titles, title)
		}
	}
	return titles, nil
}

// Fixed reports a static list of headlines. Useful offline and in tests.
type Fixed []string

// Headlines returns the fixed list.
func (f Fixed) Headlines(context.Context) ([]string, error) {
	return f, nil
}

// timeoutSource wraps a source with a per-call deadline.
type timeoutSource struct {
	src     HeadlineSource
	timeout time.Duration
}

func (t timeoutSource) Headlines(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.src.Headlines(ctx)
}
