// Package nanopub retrieves the RDF serialization of a nanopublication.
package nanopub

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
)

const (
	maxDocumentBytes = 10 << 20
	notFoundMessage  = "Could not fetch RDF data. This may be due to CORS restrictions or the nanopublication not being available."
	nonPublicMessage = "nanopublication URL must point to a public host"
)

// Document is a fetched nanopublication
type Document struct {
	URL       string `json:"url"`
	SourceURL string `json:"source_url"`
	Format    string `json:"format"`
	Content   string `json:"content"`
}

type attempt struct {
	suffix string
	accept string
}

// attempts are tried in order; the bare URI goes last with content negotiation
var attempts = []attempt{
	{suffix: ".trig", accept: "application/trig"},
	{suffix: ".nq", accept: "application/n-quads"},
	{suffix: ".ttl", accept: "text/turtle"},
	{suffix: "", accept: "application/trig, application/n-quads, text/turtle, application/rdf+xml"},
}

// Fetcher downloads nanopublications
type Fetcher struct {
	client     *http.Client
	log        *zap.SugaredLogger
	publicOnly bool
}

// Option configures a Fetcher
type Option func(*Fetcher)

// PublicOnly refuses loopback, private and link-local targets. The URL host
// is checked up front and every connection is checked again at dial time,
// which covers redirects and DNS answers. The client's transport is replaced.
func PublicOnly() Option {
	return func(f *Fetcher) { f.publicOnly = true }
}

// NewFetcher creates a new fetcher. A nil client gets a 30 second timeout.
func NewFetcher(client *http.Client, log *zap.SugaredLogger, opts ...Option) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	f := &Fetcher{client: client, log: logger.OrNop(log)}
	for _, opt := range opts {
		opt(f)
	}
	if f.publicOnly {
		guarded := *client
		guarded.Transport = publicTransport()
		f.client = &guarded
	}
	return f
}

// Fetch tries the TriG, N-Quads and Turtle serializations of uri, then uri
// itself. Responses that are HTML pages count as misses.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (*Document, error) {
	parsed, err := url.Parse(uri)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, apperrors.NewValidationError("a valid http or https nanopublication URL is required")
	}
	if f.publicOnly {
		if err := checkHost(parsed.Hostname()); err != nil {
			f.log.Warnw("refused nanopub fetch", "url", uri, "error", err)
			return nil, apperrors.NewValidationError(nonPublicMessage)
		}
	}

	for _, a := range attempts {
		source := uri + a.suffix
		content, err := f.get(ctx, source, a.accept)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrNonPublicAddress) {
				f.log.Warnw("refused nanopub fetch", "url", source, "error", err)
				return nil, apperrors.NewValidationError(nonPublicMessage)
			}
			f.log.Debugw("nanopub fetch attempt failed", "url", source, "error", err)
			continue
		}
		return &Document{
			URL:       uri,
			SourceURL: source,
			Format:    strings.SplitN(a.accept, ",", 2)[0],
			Content:   content,
		}, nil
	}

	return nil, &apperrors.AppError{Code: apperrors.ErrCodeNotFound, Message: notFoundMessage}
}

func (f *Fetcher) get(ctx context.Context, source, accept string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", accept)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Newf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return "", err
	}
	text := string(body)
	if isHTML(text) {
		return "", errors.New("response is an HTML page")
	}
	return text, nil
}

func isHTML(text string) bool {
	head := strings.ToLower(strings.TrimSpace(text))
	return strings.HasPrefix(head, "<!doctype") || strings.HasPrefix(head, "<html")
}
