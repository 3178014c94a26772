package nanopub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
)

func TestIsPublic(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"93.184.216.34", true},
		{"2606:4700::1111", true},
		{"127.0.0.1", false},
		{"::1", false},
		{"10.1.2.3", false},
		{"172.16.0.9", false},
		{"192.168.1.1", false},
		{"169.254.169.254", false},
		{"100.64.0.1", false},
		{"0.0.0.0", false},
		{"fe80::1", false},
		{"fd00::1", false},
		{"::ffff:127.0.0.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, isPublic(netip.MustParseAddr(tt.addr)))
		})
	}
}

func TestCheckHost(t *testing.T) {
	assert.NoError(t, checkHost("w3id.org"))
	assert.NoError(t, checkHost("np.knowledgepixels.com"))
	assert.ErrorIs(t, checkHost("localhost"), ErrNonPublicAddress)
	assert.ErrorIs(t, checkHost("api.LOCALHOST."), ErrNonPublicAddress)
	assert.ErrorIs(t, checkHost("127.0.0.1"), ErrNonPublicAddress)
	assert.ErrorIs(t, checkHost("::1"), ErrNonPublicAddress)
	assert.ErrorIs(t, checkHost("169.254.169.254"), ErrNonPublicAddress)
}

func TestRefuseNonPublic(t *testing.T) {
	assert.NoError(t, refuseNonPublic("tcp4", "93.184.216.34:443", nil))
	assert.ErrorIs(t, refuseNonPublic("tcp4", "127.0.0.1:8080", nil), ErrNonPublicAddress)
	assert.ErrorIs(t, refuseNonPublic("tcp6", "[fd00::1]:80", nil), ErrNonPublicAddress)
	assert.ErrorIs(t, refuseNonPublic("tcp", "no-port", nil), ErrNonPublicAddress)
}

func TestPublicOnlyRefusesLoopbackURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "ADMIN-SECRET")
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), logger.Nop(), PublicOnly()).Fetch(context.Background(), srv.URL+"/admin")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, int32(0), hits.Load())
}

func TestPublicTransportRefusesLoopbackAtDial(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	// A name that passed the URL check still has its resolved address checked
	_, err := (&http.Client{Transport: publicTransport()}).Get(srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonPublicAddress)
	assert.Equal(t, int32(0), hits.Load())
}

func TestPublicOnlyKeepsCallerClient(t *testing.T) {
	caller := &http.Client{}
	f := NewFetcher(caller, nil, PublicOnly())
	assert.NotSame(t, caller, f.client)
	assert.Nil(t, caller.Transport)
}
