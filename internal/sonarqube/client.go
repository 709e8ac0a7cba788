// Package sonarqube wraps the analysis backend: its web API (project
// lookup, measures) and the containerised scanner CLI.
package sonarqube

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	projectLookupTimeout = 10 * time.Second
	measuresTimeout      = 30 * time.Second

	// DefaultMeasuresChunkSize bounds metric keys per measures request.
	DefaultMeasuresChunkSize = 25
)

// Client talks to one backend instance's web API using token auth.
type Client struct {
	host  string
	token string
	http  *http.Client
}

// NewClient builds a Client for the instance at host.
func NewClient(host, token string) *Client {
	return &Client{
		host:  strings.TrimRight(host, "/"),
		token: token,
		http:  &http.Client{},
	}
}

// Host returns the instance base URL.
func (c *Client) Host() string { return c.host }

// ProjectExists reports whether projectKey is already registered on the
// instance. Used to skip commits that were scanned in an earlier run.
func (c *Client) ProjectExists(ctx context.Context, projectKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, projectLookupTimeout)
	defer cancel()

	q := url.Values{"projects": {projectKey}}
	var out struct {
		Components []struct {
			Key string `json:"key"`
		} `json:"components"`
	}
	if err := c.getJSON(ctx, "/api/projects/search", q, &out); err != nil {
		return false, err
	}
	for _, comp := range out.Components {
		if comp.Key == projectKey {
			return true, nil
		}
	}
	return false, nil
}

// ComponentMeasures fetches the given metrics for one component, chunking
// metric keys so a long list never overflows the request. Metrics the
// backend has no value for come back as empty strings.
func (c *Client) ComponentMeasures(ctx context.Context, componentKey string, metricKeys []string, chunkSize int) (map[string]string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultMeasuresChunkSize
	}

	values := make(map[string]string, len(metricKeys))
	for _, key := range metricKeys {
		values[key] = ""
	}

	for start := 0; start < len(metricKeys); start += chunkSize {
		end := start + chunkSize
		if end > len(metricKeys) {
			end = len(metricKeys)
		}
		chunk := metricKeys[start:end]

		reqCtx, cancel := context.WithTimeout(ctx, measuresTimeout)
		q := url.Values{
			"component":  {componentKey},
			"metricKeys": {strings.Join(chunk, ",")},
		}
		var out struct {
			Component struct {
				Key      string `json:"key"`
				Measures []struct {
					Metric string `json:"metric"`
					Value  string `json:"value"`
				} `json:"measures"`
			} `json:"component"`
		}
		err := c.getJSON(reqCtx, "/api/measures/component", q, &out)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("fetching measures for %s: %w", componentKey, err)
		}
		for _, m := range out.Component.Measures {
			values[m.Metric] = m.Value
		}
	}
	return values, nil
}

// getJSON performs an authenticated GET and decodes the JSON body.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, dest any) error {
	u := c.host + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	// Sonar token auth: token as username, empty password.
	if c.token != "" {
		req.SetBasicAuth(c.token, "")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", http.MethodGet, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
