package yelp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/businesses/search", r.URL.Path)
		assert.Equal(t, "Bearer yk", r.Header.Get("Authorization"))
		assert.Equal(t, "Beta Roofing", r.URL.Query().Get("term"))
		assert.Equal(t, "Denver, CO", r.URL.Query().Get("location"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"businesses":[{"name":"Beta Roofing LLC","phone":"+13035550199",
			"url":"https://www.yelp.com/biz/beta-roofing",
			"location":{"city":"Denver","state":"CO","zip_code":"80202","country":"US",
			"display_address":["1 Main St","","Denver, CO 80202"]}}]}`))
	}))
	defer srv.Close()

	c := NewClient("yk", WithBaseURL(srv.URL))
	resp, err := c.Search(context.Background(), "Beta Roofing", "Denver, CO")
	require.NoError(t, err)
	require.Len(t, resp.Businesses, 1)
	b := resp.Businesses[0]
	assert.Equal(t, "+13035550199", b.Phone)
	assert.Equal(t, "1 Main St, Denver, CO 80202", b.Location.Address())
}

func TestSearch_DefaultLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "United States", r.URL.Query().Get("location"))
		_, _ = w.Write([]byte(`{"businesses":[]}`))
	}))
	defer srv.Close()

	resp, err := NewClient("yk", WithBaseURL(srv.URL)).Search(context.Background(), "x", "")
	require.NoError(t, err)
	assert.Empty(t, resp.Businesses)
}

func TestSearch_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient("bad", WithBaseURL(srv.URL)).Search(context.Background(), "x", "y")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
