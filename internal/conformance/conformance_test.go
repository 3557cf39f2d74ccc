package conformance

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/josedab/pocket-go/internal/server"
	"github.com/josedab/pocket-go/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func harnessFor(t *testing.T, srv *server.Server, auth string) *Harness {
	t.Helper()
	ts := httptest.NewServer(server.NewRouter(srv))
	t.Cleanup(ts.Close)
	return &Harness{
		Dial: func() transport.Transport {
			return transport.NewHTTP(transport.HTTPConfig{
				BaseURL:        ts.URL,
				RequestTimeout: 2 * time.Second,
			})
		},
		AuthToken: auth,
	}
}

func TestReferenceServerIsCompliant(t *testing.T) {
	h := harnessFor(t, server.New("server-1"), "")
	report := h.Run(context.Background())

	for _, r := range report.Results {
		assert.True(t, r.Passed, "%s failed: %s", r.Name, r.Err)
		assert.NotZero(t, r.Duration)
	}
	assert.True(t, report.Compliant)
	assert.Len(t, report.Results, 6, "auth probe is skipped without a token")
}

func TestReferenceServerWithAuthIsCompliant(t *testing.T) {
	h := harnessFor(t, server.New("server-1", server.WithAuthToken("secret")), "secret")
	report := h.Run(context.Background())

	require.True(t, report.Compliant)
	names := make(map[string]bool)
	for _, r := range report.Results {
		names[r.Name] = r.Passed
	}
	assert.True(t, names["invalid-auth-rejected"], "auth probe runs and passes with a token")
	assert.Len(t, report.Results, 7)
}

func TestNonCompliantServerIsReported(t *testing.T) {
	// A server that requires auth the harness does not have: every session-
	// based probe fails.
	h := harnessFor(t, server.New("server-1", server.WithAuthToken("secret")), "")
	report := h.Run(context.Background())

	assert.False(t, report.Compliant)
	failed := 0
	for _, r := range report.Results {
		if !r.Passed {
			failed++
			assert.NotEmpty(t, r.Err)
		}
	}
	assert.Positive(t, failed)
}
