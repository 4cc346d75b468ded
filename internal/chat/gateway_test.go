package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGateway_Send(t *testing.T) {
	var (
		got     outboundMessage
		subject string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := ParseToken([]byte("s3cret"), token)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		subject = claims.Subject
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "s3cret", time.Second)
	require.NoError(t, gw.Send(context.Background(), "C1", []string{"one", "two"}))

	assert.Equal(t, "C1", subject)
	assert.Equal(t, outboundMessage{ChatIdentityID: "C1", Replies: []string{"one", "two"}}, got)
}

func TestHTTPGateway_SendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPGateway(srv.URL, "", time.Second).Send(context.Background(), "C1", []string{"x"})
	assert.ErrorContains(t, err, "502")
}
