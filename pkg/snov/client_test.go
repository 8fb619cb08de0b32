package snov

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, emailsBody string, tokenCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/oauth/access_token":
			tokenCalls.Add(1)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
			assert.Equal(t, "id", r.PostForm.Get("client_id"))
			_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
		case "/v2/domain/emails":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(emailsBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestDomainEmails_ResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"data", `{"data":[{"email":"info@acme.com"}]}`},
		{"emails", `{"emails":[{"email":"info@acme.com"}]}`},
		{"list", `[{"email":"info@acme.com"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tokenCalls atomic.Int32
			srv := newServer(t, tt.body, &tokenCalls)
			defer srv.Close()

			emails, err := NewClient("id", "secret", WithBaseURL(srv.URL)).DomainEmails(context.Background(), "acme.com")
			require.NoError(t, err)
			require.Len(t, emails, 1)
			assert.Equal(t, "info@acme.com", emails[0].Email)
		})
	}
}

func TestDomainEmails_ReusesToken(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newServer(t, `{"data":[]}`, &tokenCalls)
	defer srv.Close()

	c := NewClient("id", "secret", WithBaseURL(srv.URL))
	for i := 0; i < 3; i++ {
		_, err := c.DomainEmails(context.Background(), "acme.com")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestDomainEmails_TokenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient("id", "bad", WithBaseURL(srv.URL)).DomainEmails(context.Background(), "acme.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
