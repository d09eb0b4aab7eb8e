package frontdoor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
)

const (
	maxArchivedImage = 10 << 20
	maxNameRunes     = 50
	archiveStamp     = "20060102_150405"
)

var (
	unsafeNameChars = regexp.MustCompile(`[\\/*?:"<>|]`)
	nameSpaces      = regexp.MustCompile(`\s+`)
	nameUnderscores = regexp.MustCompile(`_+`)
)

// imageExtensions lists the media types kept in an archive.
var imageExtensions = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/bmp":     ".bmp",
	"image/x-icon":  ".ico",
	"image/svg+xml": ".svg",
}

// Archiver keeps a copy of every successful extract result on disk. Each result gets
// its own directory, named after the extraction time and page title, holding
// content.md, content.json and the page images under assets/.
type Archiver struct {
	root   string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// ArchiverOption configures an Archiver.
type ArchiverOption func(*Archiver)

// WithArchiveClient sets the client used to download remote images.
func WithArchiveClient(client *http.Client) ArchiverOption {
	return func(a *Archiver) { a.client = client }
}

// WithArchiveLogger sets the logger.
func WithArchiveLogger(logger *slog.Logger) ArchiverOption {
	return func(a *Archiver) { a.logger = logger }
}

// WithArchiveClock sets the clock used when a result carries no extraction time.
func WithArchiveClock(now func() time.Time) ArchiverOption {
	return func(a *Archiver) { a.now = now }
}

// NewArchiver creates root if needed and returns an archiver writing under it.
func NewArchiver(root string, opts ...ArchiverOption) (*Archiver, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	a := &Archiver{
		root: root,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

type archivedImage struct {
	Source string `json:"src"`
	File   string `json:"file"`
}

type archiveRecord struct {
	URL       string                 `json:"url"`
	Title     string                 `json:"title"`
	Extracted time.Time              `json:"extracted_at"`
	Text      string                 `json:"text"`
	Links     []string               `json:"links,omitempty"`
	Images    []archivedImage        `json:"images,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Archive writes content extracted from pageURL and returns the directory it created.
// Images that cannot be decoded or downloaded are skipped.
func (a *Archiver) Archive(ctx context.Context, pageURL string, content *gateway.Content) (string, error) {
	extracted := content.Extracted
	if extracted.IsZero() {
		extracted = a.now()
	}
	title := content.Title
	if title == "" {
		title = pageURL
	}

	dir, err := a.entry(extracted.UTC().Format(archiveStamp) + "_" + safeName(title))
	if err != nil {
		return "", err
	}
	assets := filepath.Join(dir, "assets")
	if err := os.Mkdir(assets, 0o755); err != nil {
		return "", fmt.Errorf("failed to create assets directory: %w", err)
	}

	var images []archivedImage
	for i, src := range content.Images {
		data, ext, err := a.fetchImage(ctx, pageURL, src)
		if err != nil {
			a.logger.Warn("skipping image", "url", pageURL, "src", shorten(src), "error", err)
			continue
		}
		name := fmt.Sprintf("image_%d%s", i, ext)
		if err := os.WriteFile(filepath.Join(assets, name), data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write image: %w", err)
		}
		images = append(images, archivedImage{Source: src, File: path.Join("assets", name)})
	}

	record := archiveRecord{
		URL:       pageURL,
		Title:     title,
		Extracted: extracted,
		Text:      content.Text,
		Links:     content.Links,
		Images:    images,
		Metadata:  content.Metadata,
	}
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode archive record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "content.json"), raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write archive record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "content.md"), renderMarkdown(record), 0o644); err != nil {
		return "", fmt.Errorf("failed to write markdown: %w", err)
	}

	a.logger.Info("extract archived", "url", pageURL, "dir", dir, "images", len(images), "links", len(record.Links))
	return dir, nil
}

// entry creates a fresh directory for name, suffixing it when name is taken.
func (a *Archiver) entry(name string) (string, error) {
	base := filepath.Join(a.root, name)
	dir := base
	for n := 2; ; n++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create archive entry: %w", err)
		}
		dir = fmt.Sprintf("%s_%d", base, n)
	}
}

func (a *Archiver) fetchImage(ctx context.Context, pageURL, src string) ([]byte, string, error) {
	if strings.HasPrefix(src, "data:") {
		return decodeDataURL(src)
	}

	target, err := resolveImageURL(pageURL, src)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "browsergate-archiver")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchivedImage+1))
	if err != nil {
		return nil, "", fmt.Errorf("download failed: %w", err)
	}
	if len(data) > maxArchivedImage {
		return nil, "", fmt.Errorf("image larger than %d bytes", maxArchivedImage)
	}
	ext, ok := imageExtension(resp.Header.Get("Content-Type"), data)
	if !ok {
		return nil, "", fmt.Errorf("not an image")
	}
	return data, ext, nil
}

// decodeDataURL decodes a base64 data URL holding an image.
func decodeDataURL(src string) ([]byte, string, error) {
	header, encoded, ok := strings.Cut(strings.TrimPrefix(src, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URL")
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, "", fmt.Errorf("data URL is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("invalid base64 in data URL: %w", err)
	}
	ext, ok := imageExtension(strings.TrimSuffix(header, ";base64"), data)
	if !ok {
		return nil, "", fmt.Errorf("not an image")
	}
	return data, ext, nil
}

// imageExtension trusts the declared type only for SVG, which cannot be sniffed.
// Raster formats are identified from their bytes.
func imageExtension(declared string, data []byte) (string, bool) {
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType == "image/svg+xml" {
		return ".svg", true
	}
	sniffed, _, err := mime.ParseMediaType(http.DetectContentType(data))
	if err != nil || sniffed == "image/svg+xml" {
		return "", false
	}
	ext, ok := imageExtensions[sniffed]
	return ext, ok
}

func resolveImageURL(pageURL, src string) (string, error) {
	ref, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("invalid image URL: %w", err)
	}
	if base, err := url.Parse(pageURL); err == nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", fmt.Errorf("unsupported image URL scheme %q", ref.Scheme)
	}
	return ref.String(), nil
}

// safeName turns a page title into a directory name component.
func safeName(title string) string {
	name := unsafeNameChars.ReplaceAllString(title, "_")
	name = nameSpaces.ReplaceAllString(name, "_")
	name = nameUnderscores.ReplaceAllString(name, "_")
	if runes := []rune(name); len(runes) > maxNameRunes {
		name = string(runes[:maxNameRunes])
	}
	if strings.Trim(name, "_.") == "" {
		return "untitled"
	}
	return name
}

func renderMarkdown(r archiveRecord) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.Title)
	fmt.Fprintf(&b, "- Source: %s\n", r.URL)
	fmt.Fprintf(&b, "- Extracted: %s\n\n", r.Extracted.UTC().Format(time.RFC3339))

	if text := strings.TrimSpace(r.Text); text != "" {
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	if len(r.Links) > 0 {
		b.WriteString("## Links\n\n")
		for _, link := range r.Links {
			fmt.Fprintf(&b, "- <%s>\n", link)
		}
		b.WriteString("\n")
	}
	if len(r.Images) > 0 {
		b.WriteString("## Images\n\n")
		for i, img := range r.Images {
			fmt.Fprintf(&b, "![image %d](%s)\n", i, img.File)
		}
	}
	return []byte(b.String())
}

func shorten(s string) string {
	if len(s) <= 80 {
		return s
	}
	return s[:80] + "..."
}
