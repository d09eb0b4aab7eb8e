package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
)

// maxPageSize bounds how much of a page the fetcher reads.
const maxPageSize = 5 << 20

// Fetcher is a browserless Extractor and Navigator that loads pages over plain HTTP.
// It does not run scripts; it is the reference executor for environments without a
// browser.
type Fetcher struct {
	client *http.Client
	now    func() time.Time
}

// NewFetcher creates a fetcher. A nil client uses an instrumented default client.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Fetcher{client: client, now: time.Now}
}

// Navigate checks that rawURL answers with a non-error status.
func (f *Fetcher) Navigate(ctx context.Context, rawURL string) error {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageSize))
	return nil
}

// ExtractContent loads opts.URL and returns its title, visible text and, when asked,
// its links and images resolved against the page URL.
func (f *Fetcher) ExtractContent(ctx context.Context, opts gateway.ExtractOptions) (*gateway.Content, error) {
	resp, err := f.get(ctx, opts.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", opts.URL, err)
	}

	base := resp.Request.URL
	content := &gateway.Content{
		Metadata:  map[string]interface{}{"status": resp.StatusCode, "content_type": resp.Header.Get("Content-Type")},
		Extracted: f.now().UTC(),
	}

	var text strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.Title:
				if content.Title == "" && n.FirstChild != nil {
					content.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case atom.A:
				if opts.ExtractLinks {
					if href := resolve(base, attr(n, "href")); href != "" {
						content.Links = append(content.Links, href)
					}
				}
			case atom.Img:
				if opts.ExtractImages {
					if src := resolve(base, attr(n, "src")); src != "" {
						content.Images = append(content.Images, src)
					}
				}
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" && !insideHead(n) {
				if text.Len() > 0 {
					text.WriteByte(' ')
				}
				text.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	content.Text = text.String()
	return content, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("unsupported url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "browsergate-executor")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", rawURL, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to load %s: %s", rawURL, resp.Status)
	}
	return resp, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "javascript:") {
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	return u.String()
}

func insideHead(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.DataAtom == atom.Head {
			return true
		}
	}
	return false
}
