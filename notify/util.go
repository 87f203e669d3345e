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

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultWebhookTimeout bounds every outbound channel HTTP call.
const DefaultWebhookTimeout = 10 * time.Second

// NewHTTPClient returns the client channel notifiers share.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultWebhookTimeout}
}

// PostJSON encodes body and posts it.
func PostJSON(ctx context.Context, client *http.Client, target string, body interface{}) (*http.Response, error) {
	return RequestJSON(ctx, client, http.MethodPost, target, nil, body)
}

// RequestJSON encodes body and sends it with the given method and headers.
func RequestJSON(ctx context.Context, client *http.Client, method, target string, headers map[string]string, body interface{}) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return client.Do(req)
}

// Drain consumes and closes the response body so the connection is reused.
func Drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// RetryStatus maps a response status to the notifier contract: nil for 2xx,
// a retryable error for 429 and 5xx, a permanent error otherwise.
func RetryStatus(resp *http.Response) (bool, error) {
	if resp.StatusCode/100 == 2 {
		return false, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5
	return retry, err
}

// RedactURL strips credentials and query values from a webhook URL for use
// in logs and stored error messages.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "..."
	}
	return u.String()
}
