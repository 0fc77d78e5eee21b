// Package pinning uploads completion metadata to Pinata and returns the
// ipfs:// reference recorded at settlement.
package pinning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
)

const (
	DefaultEndpoint = "https://api.pinata.cloud"
	GatewayBase     = "https://gateway.pinata.cloud/ipfs/"

	maxResponseBytes = 1 << 20
)

// StatusError is a non-2xx answer from the pinning API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if strings.Contains(e.Body, "NO_SCOPES_FOUND") {
		return fmt.Sprintf("pinata: status %d: API key lacks the required scopes", e.StatusCode)
	}
	return fmt.Sprintf("pinata: status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	endpoint   string
	jwt        string
	http       *http.Client
	maxTries   uint
	newBackOff func() backoff.BackOff
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetry bounds attempts per request and sets the wait between them.
func WithRetry(maxTries uint, newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		c.maxTries = maxTries
		c.newBackOff = newBackOff
	}
}

func NewClient(endpoint, jwt string, opts ...Option) (*Client, error) {
	if jwt == "" {
		return nil, errors.New("pinata: JWT is required")
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		jwt:      jwt,
		http:     &http.Client{Timeout: 15 * time.Second},
		maxTries: 5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TestAuthentication checks that the JWT is accepted.
func (c *Client) TestAuthentication(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/data/testAuthentication", nil)
	return err
}

// PinJSON pins content under name and returns its ipfs:// reference.
func (c *Client) PinJSON(ctx context.Context, name string, content any) (string, error) {
	body, err := json.Marshal(map[string]any{
		"pinataContent":  content,
		"pinataMetadata": map[string]string{"name": name},
	})
	if err != nil {
		return "", fmt.Errorf("pinata: encode content: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/pinning/pinJSONToIPFS", body)
	if err != nil {
		return "", err
	}

	cid := gjson.GetBytes(data, "IpfsHash").String()
	if cid == "" {
		cid = gjson.GetBytes(data, "ipfsHash").String()
	}
	if cid == "" {
		return "", errors.New("pinata: response has no IpfsHash")
	}
	return "ipfs://" + cid, nil
}

// GatewayURL maps an ipfs:// reference to its public gateway URL.
func GatewayURL(ref string) string {
	return GatewayBase + strings.TrimPrefix(ref, "ipfs://")
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	op := func() ([]byte, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, r)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.jwt)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 != 2 {
			serr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if serr.Temporary() {
				return nil, serr
			}
			return nil, backoff.Permanent(serr)
		}
		return data, nil
	}

	data, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("pinata %s %s: %w", method, path, err)
	}
	return data, nil
}
