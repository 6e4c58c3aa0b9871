package forwarder

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDelivererPostsOctetStream(t *testing.T) {
	type captured struct {
		method      string
		path        string
		contentType string
		body        []byte
	}
	requests := make(chan captured, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- captured{
			method:      r.Method,
			path:        r.URL.EscapedPath(),
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		}
		w.Write([]byte("accepted"))
	}))
	defer server.Close()

	deliverer, err := NewHTTPDeliverer(server.URL+"/ingest/", time.Second)
	require.NoError(t, err)

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, deliverer.Deliver(context.Background(), "call 42", pcm))

	got := <-requests
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/ingest/call%2042", got.path)
	assert.Equal(t, "application/octet-stream", got.contentType)
	assert.Equal(t, pcm, got.body)
}

func TestHTTPDelivererNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	deliverer, err := NewHTTPDeliverer(server.URL, time.Second)
	require.NoError(t, err)

	err = deliverer.Deliver(context.Background(), "abc", []byte{0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDelivery))

	var deliveryErr *DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, http.StatusServiceUnavailable, deliveryErr.StatusCode)
	assert.Equal(t, "abc", deliveryErr.CallID)
}

func TestHTTPDelivererUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	deliverer, err := NewHTTPDeliverer(url, 200*time.Millisecond)
	require.NoError(t, err)

	err = deliverer.Deliver(context.Background(), "abc", []byte{0})
	assert.True(t, errors.Is(err, ErrDelivery), "сетевая ошибка оборачивается в ErrDelivery: %v", err)
}

func TestNewHTTPDelivererRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "://broken"} {
		_, err := NewHTTPDeliverer(raw, time.Second)
		assert.Error(t, err, "адрес %q", raw)
	}
}

func TestHTTPDelivererReturnsOnCancel(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	deliverer, err := NewHTTPDeliverer(server.URL, 30*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- deliverer.Deliver(ctx, "abc", []byte{0}) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("запрос не дошел до сервера")
	}
	cancel()

	select {
	case err := <-result:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled), "ожидалась отмена контекста: %v", err)
	case <-time.After(time.Second):
		t.Fatal("Deliver не вернулся после отмены контекста")
	}
}
