package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opd-ai/codedrop/interfaces"
	"github.com/sirupsen/logrus"
)

// DefaultRetryBackoff is the base delay between attempts; attempt n waits n times it.
const DefaultRetryBackoff = 200 * time.Millisecond

// HTTPDirectory is a client for a remote directory served by Server.
type HTTPDirectory struct {
	baseURL       string
	client        *http.Client
	retryAttempts int
	retryBackoff  time.Duration
}

// NewHTTPDirectory creates a client for the directory at baseURL.
func NewHTTPDirectory(baseURL string, timeout time.Duration, retryAttempts int) (*HTTPDirectory, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse directory URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("directory URL scheme %q not supported", u.Scheme)
	}

	return &HTTPDirectory{
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        &http.Client{Timeout: timeout},
		retryAttempts: retryAttempts,
		retryBackoff:  DefaultRetryBackoff,
	}, nil
}

// SetRetryBackoff overrides the base delay between attempts.
func (d *HTTPDirectory) SetRetryBackoff(backoff time.Duration) {
	d.retryBackoff = backoff
}

// Publish implements interfaces.Directory.
func (d *HTTPDirectory) Publish(ctx context.Context, code, peerAddress string) error {
	body, err := json.Marshal(PublishRequest{Code: code, PeerAddress: peerAddress})
	if err != nil {
		return err
	}

	return d.withRetry(ctx, "Publish", func() error {
		resp, err := d.do(ctx, http.MethodPost, "/codes", body)
		if err != nil {
			return err
		}
		defer drain(resp)

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		return nil
	})
}

// Resolve implements interfaces.Directory.
func (d *HTTPDirectory) Resolve(ctx context.Context, code string) (string, error) {
	ad, err := d.Lookup(ctx, code)
	if err != nil {
		return "", err
	}
	return ad.PeerAddress, nil
}

// Lookup implements interfaces.AdvertisementLookup.
func (d *HTTPDirectory) Lookup(ctx context.Context, code string) (interfaces.Advertisement, error) {
	var ad interfaces.Advertisement

	err := d.withRetry(ctx, "Lookup", func() error {
		resp, err := d.do(ctx, http.MethodGet, "/codes/"+url.PathEscape(code), nil)
		if err != nil {
			return err
		}
		defer drain(resp)

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return interfaces.ErrCodeNotFound
		default:
			return statusError(resp)
		}

		if err := json.NewDecoder(resp.Body).Decode(&ad); err != nil {
			return fmt.Errorf("%w: decode response: %w", interfaces.ErrDirectoryUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return interfaces.Advertisement{}, err
	}
	if ad.PeerAddress == "" {
		return interfaces.Advertisement{}, interfaces.ErrCodeNotFound
	}
	return ad, nil
}

// Withdraw implements interfaces.Directory.
func (d *HTTPDirectory) Withdraw(ctx context.Context, code string) error {
	return d.withRetry(ctx, "Withdraw", func() error {
		resp, err := d.do(ctx, http.MethodDelete, "/codes/"+url.PathEscape(code), nil)
		if err != nil {
			return err
		}
		defer drain(resp)

		if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		return nil
	})
}

// Close implements interfaces.Directory.
func (d *HTTPDirectory) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *HTTPDirectory) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrDirectoryUnavailable, err)
	}
	return resp, nil
}

// withRetry runs op until it succeeds, fails with a non-retryable error, or
// the attempts are exhausted. Only ErrDirectoryUnavailable is retried.
func (d *HTTPDirectory) withRetry(ctx context.Context, function string, op func() error) error {
	var err error
	for attempt := 0; attempt <= d.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", interfaces.ErrDirectoryUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * d.retryBackoff):
			}
		}

		err = op()
		if err == nil || !errors.Is(err, interfaces.ErrDirectoryUnavailable) {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"function": "HTTPDirectory." + function,
			"attempt":  attempt + 1,
			"max":      d.retryAttempts + 1,
			"error":    err.Error(),
		}).Warn("Directory request failed")
	}
	return err
}

func statusError(resp *http.Response) error {
	var body StatusResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxRequestBody)).Decode(&body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d %s", interfaces.ErrDirectoryUnavailable, resp.StatusCode, body.Error)
	}
	return fmt.Errorf("directory rejected request: status %d %s", resp.StatusCode, body.Error)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRequestBody))
	resp.Body.Close()
}
