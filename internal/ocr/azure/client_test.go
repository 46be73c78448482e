package azure

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

const succeeded = `{
  "status": "succeeded",
  "analyzeResult": {
    "pages": [{
      "pageNumber": 1,
      "words": [
        {"content": "Hotel", "polygon": [1,1,2,1,2,1.2,1,1.2], "confidence": 0.99, "span": {"offset": 0, "length": 5}},
        {"content": "zur", "polygon": [2.1,1,2.4,1,2.4,1.2,2.1,1.2], "confidence": 0.97, "span": {"offset": 6, "length": 3}},
        {"content": "Taube", "polygon": [2.5,1,3,1,3,1.2,2.5,1.2], "confidence": 0.98, "span": {"offset": 10, "length": 5}},
        {"content": "Datum", "polygon": [1,2,2,2,2,2.2,1,2.2], "confidence": 0.8, "span": {"offset": 16, "length": 5}}
      ],
      "lines": [
        {"content": "Hotel zur Taube", "polygon": [1,1,3,1,3,1.2,1,1.2], "spans": [{"offset": 0, "length": 15}]},
        {"content": "Datum", "polygon": [1,2,2,2,2,2.2,1,2.2], "spans": [{"offset": 16, "length": 5}]}
      ]
    }]
  }
}`

func newTestClient(url string) *Client {
	return NewClient(Config{
		Endpoint:     url,
		APIKey:       "secret",
		Timeout:      2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, nil)
}

func TestAnalyzePollsUntilSucceeded(t *testing.T) {
	var polls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			assert.Equal(t, "/formrecognizer/documentModels/prebuilt-read:analyze", r.URL.Path)
			assert.Equal(t, "2023-07-31", r.URL.Query().Get("api-version"))
			assert.Equal(t, "secret", r.Header.Get("Ocp-Apim-Subscription-Key"))
			assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "%PDF-1.7", string(body))
			w.Header().Set("Operation-Location", srv.URL+"/operations/42")
			w.WriteHeader(http.StatusAccepted)
		case r.URL.Path == "/operations/42":
			w.Header().Set("Content-Type", "application/json")
			if polls.Add(1) < 3 {
				_, _ = w.Write([]byte(`{"status":"running"}`))
				return
			}
			_, _ = w.Write([]byte(succeeded))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	lines, err := newTestClient(srv.URL).Analyze(context.Background(), []byte("%PDF-1.7"), "application/pdf")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, int32(3), polls.Load())

	assert.Equal(t, "Hotel zur Taube", lines[0].Text)
	assert.Equal(t, 1, lines[0].Page)
	require.NotNil(t, lines[0].Confidence)
	assert.InDelta(t, (0.99+0.97+0.98)/3, *lines[0].Confidence, 1e-9)
	assert.Len(t, lines[0].BoundingBox, 4)
	require.NotNil(t, lines[1].Confidence)
	assert.InDelta(t, 0.8, *lines[1].Confidence, 1e-9)
}

func TestAnalyzeUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"401","message":"Access denied due to invalid subscription key."}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Analyze(context.Background(), []byte("x"), "image/png")
	assert.ErrorIs(t, err, common.ErrUnauthorized)
	assert.False(t, common.IsRetryable(err))
	assert.Contains(t, err.Error(), "invalid subscription key")
}

func TestAnalyzeServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Analyze(context.Background(), []byte("x"), "image/png")
	var svc *common.ServiceError
	require.ErrorAs(t, err, &svc)
	assert.Equal(t, http.StatusServiceUnavailable, svc.Status)
	assert.True(t, common.IsRetryable(err))
}

func TestAnalyzeFailedOperation(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Operation-Location", srv.URL+"/operations/1")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"failed","error":{"code":"InvalidContent","message":"corrupt"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Analyze(context.Background(), []byte("x"), "application/pdf")
	var svc *common.ServiceError
	require.ErrorAs(t, err, &svc)
	assert.Contains(t, svc.Message, "InvalidContent")
	assert.False(t, common.IsRetryable(err))
}

func TestAnalyzeTimeout(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Operation-Location", srv.URL+"/operations/1")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"running"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Timeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond}, nil)
	_, err := c.Analyze(context.Background(), []byte("x"), "application/pdf")
	assert.ErrorIs(t, err, common.ErrTimeout)
	assert.Equal(t, "Timeout", common.Code(err))
}
