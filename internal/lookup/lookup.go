// Package lookup asks a remote service for repair suggestions for a
// diagnostic trouble code. Lookups are best-effort and cached.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Vehicle narrows the lookup to a model.
type Vehicle struct {
	Make  string
	Model string
	Year  int
}

// Suggestion is one element of the service's JSON array, passed through
// untouched.
type Suggestion map[string]interface{}

// ErrNoService is returned when no lookup URL is configured.
var ErrNoService = errors.New("lookup: no service configured")

const maxBody = 1 << 20

// Client posts lookups to the service and caches the answers.
type Client struct {
	url   string
	http  *http.Client
	cache Cache
	log   *zap.Logger
}

// NewClient creates a client. A nil cache disables caching.
func NewClient(serviceURL string, timeout time.Duration, cache Cache, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:   serviceURL,
		http:  &http.Client{Timeout: timeout},
		cache: cache,
		log:   log.Named("lookup"),
	}
}

// Key is the cache key for a lookup.
func Key(code string, v Vehicle) string {
	return strings.Join([]string{strings.ToUpper(code), v.Make, v.Model, strconv.Itoa(v.Year)}, "|")
}

// Lookup returns the suggestions for code on vehicle v.
func (c *Client) Lookup(ctx context.Context, code string, v Vehicle) ([]Suggestion, error) {
	if c == nil || c.url == "" {
		return nil, ErrNoService
	}
	key := Key(code, v)
	if c.cache != nil {
		got, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.log.Warn("cache get", zap.String("key", key), zap.Error(err))
		} else if ok {
			return got, nil
		}
	}

	form := url.Values{
		"code":  {code},
		"make":  {v.Make},
		"model": {v.Model},
		"year":  {strconv.Itoa(v.Year)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("lookup: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup: %s: %w", code, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, fmt.Errorf("lookup: %s: unexpected status %s", code, resp.Status)
	}

	var out []Suggestion
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&out); err != nil {
		return nil, fmt.Errorf("lookup: %s: decode response: %w", code, err)
	}
	if out == nil {
		out = []Suggestion{}
	}
	c.log.Debug("lookup", zap.String("code", code), zap.Int("suggestions", len(out)))

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, out); err != nil {
			c.log.Warn("cache set", zap.String("key", key), zap.Error(err))
		}
	}
	return out, nil
}
