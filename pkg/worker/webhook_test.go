package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPWebhookPoster_Success(t *testing.T) {
	var got map[string]string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("X-Signature")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPWebhookPoster(time.Second)
	err := p.Post(context.Background(), srv.URL, map[string]string{"subscriber_id": "s1"}, map[string]string{"X-Signature": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "s1", got["subscriber_id"])
	assert.Equal(t, "abc", auth)
}

func TestHTTPWebhookPoster_StatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		err := NewHTTPWebhookPoster(time.Second).Post(context.Background(), srv.URL, nil, nil)
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.permanent, IsPermanent(err), "status %d", tc.status)
	}
}

func TestHTTPWebhookPoster_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewHTTPWebhookPoster(time.Second).Post(context.Background(), url, nil, nil)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}
