package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFetchErrorClassification(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewFetchError("eth-usd", KindUnreachable, inner)

	assert.True(t, IsFetchError(err))
	assert.True(t, IsFetchError(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsFetchError(inner))
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "eth-usd")
	assert.Contains(t, err.Error(), "unreachable")
}

func TestStaticFetcher(t *testing.T) {
	f := StaticFetcher(100.5)

	obs, err := f.Fetch(context.Background(), "eth-usd")
	require.NoError(t, err)
	assert.Equal(t, "eth-usd", obs.FeedID)
	assert.Equal(t, 100.5, obs.Value)
	assert.False(t, obs.FetchedAt.IsZero())
}

func TestHTTPFetcher(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/feeds/eth-usd", r.URL.Path)
			fmt.Fprint(w, `{"value": 1234.56, "timestamp": "2026-01-02T03:04:05Z"}`)
		}))
		defer ts.Close()

		f := NewHTTPFetcher(ts.URL, time.Second, zaptest.NewLogger(t))
		obs, err := f.Fetch(context.Background(), "eth-usd")
		require.NoError(t, err)
		assert.Equal(t, 1234.56, obs.Value)
		assert.Equal(t, 2026, obs.FetchedAt.Year())
	})

	t.Run("MissingTimestampDefaulted", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"value": 7.0}`)
		}))
		defer ts.Close()

		f := NewHTTPFetcher(ts.URL, time.Second, zaptest.NewLogger(t))
		obs, err := f.Fetch(context.Background(), "eth-usd")
		require.NoError(t, err)
		assert.False(t, obs.FetchedAt.IsZero())
	})

	t.Run("UpstreamError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer ts.Close()

		f := NewHTTPFetcher(ts.URL, time.Second, zaptest.NewLogger(t))
		_, err := f.Fetch(context.Background(), "eth-usd")

		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindUnreachable, fe.Kind)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `not json`)
		}))
		defer ts.Close()

		f := NewHTTPFetcher(ts.URL, time.Second, zaptest.NewLogger(t))
		_, err := f.Fetch(context.Background(), "eth-usd")

		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindMalformed, fe.Kind)
	})

	t.Run("Timeout", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer ts.Close()

		f := NewHTTPFetcher(ts.URL, 50*time.Millisecond, zaptest.NewLogger(t))
		_, err := f.Fetch(context.Background(), "eth-usd")

		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindTimeout, fe.Kind)
	})

	t.Run("Unreachable", func(t *testing.T) {
		f := NewHTTPFetcher("http://127.0.0.1:1", time.Second, zaptest.NewLogger(t))
		_, err := f.Fetch(context.Background(), "eth-usd")

		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindUnreachable, fe.Kind)
	})
}
