package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout таймаут одной доставки
const DefaultTimeout = 5 * time.Second

// HTTPDeliverer отправляет каждый фрагмент POST запросом на <base>/<call id>
// с телом application/octet-stream.
type HTTPDeliverer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDeliverer создает доставщик для ingest адреса сервиса транскрипции
func NewHTTPDeliverer(baseURL string, timeout time.Duration) (*HTTPDeliverer, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("неверный адрес сервиса транскрипции %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("неверный адрес сервиса транскрипции %q: ожидается http или https", baseURL)
	}

	return &HTTPDeliverer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Deliver отправляет фрагмент. Тело ответа читается и отбрасывается.
func (d *HTTPDeliverer) Deliver(ctx context.Context, callID string, pcm []byte) error {
	target := d.baseURL + "/" + url.PathEscape(callID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(pcm))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{CallID: callID, StatusCode: resp.StatusCode}
	}
	return nil
}
