package nanopub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
)

const turtle = "@prefix np: <http://www.nanopub.org/nschema#> .\n"

func TestFetchFallsThroughToTurtle(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.Path+" "+r.Header.Get("Accept"))
		switch r.URL.Path {
		case "/np/RA1.trig":
			http.NotFound(w, r)
		case "/np/RA1.nq":
			_, _ = io.WriteString(w, "  <!DOCTYPE html><html><body>viewer</body></html>")
		case "/np/RA1.ttl":
			_, _ = io.WriteString(w, turtle)
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	doc, err := NewFetcher(srv.Client(), logger.Nop()).Fetch(context.Background(), srv.URL+"/np/RA1")
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/np/RA1", doc.URL)
	assert.Equal(t, srv.URL+"/np/RA1.ttl", doc.SourceURL)
	assert.Equal(t, "text/turtle", doc.Format)
	assert.Equal(t, turtle, doc.Content)
	assert.Equal(t, []string{
		"/np/RA1.trig application/trig",
		"/np/RA1.nq application/n-quads",
		"/np/RA1.ttl text/turtle",
	}, seen)
}

func TestFetchBareURIWithNegotiation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/np/RA2" {
			http.NotFound(w, r)
			return
		}
		assert.Contains(t, r.Header.Get("Accept"), "application/rdf+xml")
		_, _ = io.WriteString(w, turtle)
	}))
	defer srv.Close()

	doc, err := NewFetcher(srv.Client(), nil).Fetch(context.Background(), srv.URL+"/np/RA2")
	require.NoError(t, err)
	assert.Equal(t, "application/trig", doc.Format)
	assert.Equal(t, srv.URL+"/np/RA2", doc.SourceURL)
}

func TestFetchAllAttemptsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html><body>not rdf</body></html>")
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), nil).Fetch(context.Background(), srv.URL+"/np/RA3")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Contains(t, err.Error(), "Could not fetch RDF data")
}

func TestFetchRejectsNonHTTP(t *testing.T) {
	for _, uri := range []string{"", "ftp://example.org/np", "not a url", "https://"} {
		_, err := NewFetcher(nil, nil).Fetch(context.Background(), uri)
		assert.True(t, apperrors.IsValidation(err), uri)
	}
}
