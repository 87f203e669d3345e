// Copyright The AlertFlow Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package datasource executes opaque rule expressions against
// prometheus-compatible HTTP endpoints and parses the instant-query result.
package datasource

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alertflow-io/alertflow/types"
)

const defaultTimeout = 30 * time.Second

// Sample is one series returned by a query.
type Sample struct {
	Labels    map[string]string
	Value     float64
	Timestamp float64
}

// Client executes queries against data sources. It is safe for concurrent
// use; per-datasource transport settings are applied per call.
type Client struct {
	logger *slog.Logger

	// newClient builds the HTTP client for a datasource; replaced in tests.
	newClient func(ds *types.DataSource) *http.Client
}

// NewClient returns a query client.
func NewClient(l *slog.Logger) *Client {
	return &Client{
		logger:    l.With("component", "datasource"),
		newClient: httpClientFor,
	}
}

func httpClientFor(ds *types.DataSource) *http.Client {
	timeout := defaultTimeout
	if ds.HTTP.Timeout > 0 {
		timeout = time.Duration(ds.HTTP.Timeout) * time.Second
	}
	transport := http.DefaultTransport
	if ds.HTTP.InsecureSkipVerify() {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// queryURL appends the instant-query path unless the configured base already
// carries one.
func queryURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasSuffix(base, "/api/v1"):
		return base + "/query"
	case strings.Contains(base, "/api/v1/"):
		return base
	default:
		return base + "/api/v1/query"
	}
}

// apiResponse is the wire shape of a prometheus instant-query response.
type apiResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  [2]json.RawMessage `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

// Query runs expr against the data source and returns the parsed samples.
// Transport failures, non-2xx responses and status != "success" all surface
// as errors; the evaluator treats any error as "no series this tick".
func (c *Client) Query(ctx context.Context, ds *types.DataSource, expr string) ([]Sample, error) {
	u := queryURL(ds.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	q := url.Values{}
	q.Set("query", expr)
	req.URL.RawQuery = q.Encode()

	switch ds.Auth.Kind {
	case types.AuthBearer:
		token := ds.Auth.Token
		if token != "" && !strings.HasPrefix(token, "Bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	case types.AuthBasic:
		req.SetBasicAuth(ds.Auth.Username, ds.Auth.Password)
	}

	resp, err := c.newClient(ds).Do(req)
	if err != nil {
		return nil, fmt.Errorf("query datasource %q: %w", ds.Name, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("datasource %q returned status %d: %s", ds.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	if ar.Status != "success" {
		return nil, fmt.Errorf("query failed: %s", ar.Error)
	}

	samples := make([]Sample, 0, len(ar.Data.Result))
	for i, r := range ar.Data.Result {
		var ts float64
		if err := json.Unmarshal(r.Value[0], &ts); err != nil {
			return nil, fmt.Errorf("result[%d]: invalid timestamp: %w", i, err)
		}
		var raw string
		if err := json.Unmarshal(r.Value[1], &raw); err != nil {
			return nil, fmt.Errorf("result[%d]: invalid value: %w", i, err)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("result[%d]: non-numeric sample value %q: %w", i, raw, err)
		}
		samples = append(samples, Sample{Labels: r.Metric, Value: v, Timestamp: ts})
	}

	c.logger.Debug("query executed", "datasource", ds.Name, "samples", len(samples))
	return samples, nil
}
