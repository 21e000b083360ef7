package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"
)

var ErrUnsuccessful = errors.New("upstream reported success=false")

type ServiceClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Attempts   int
}

func NewServiceClient(httpClient *http.Client, baseURL string) *ServiceClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &ServiceClient{BaseURL: baseURL, HTTPClient: httpClient, Attempts: 3}
}

func (c *ServiceClient) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var body []byte
	var err error
	for i := 0; i < attempts; i++ {
		body, err = c.doGet(ctx, path, query)
		if err == nil {
			return body, nil
		}
		if i == attempts-1 {
			break
		}
		// Exponential backoff: 100ms, 200ms, 400ms
		backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
		select {
		case <-time.After(backoff):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, err)
}

func (c *ServiceClient) doGet(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("service error: %d; body: %s", resp.StatusCode, string(data))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status: %d; body: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
