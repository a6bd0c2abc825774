package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nfrund/fanout/internal/server"
)

// apiClient talks to the fanout HTTP API.
type apiClient struct {
	base *url.URL
	http *http.Client
}

func newAPIClient(base string) (*apiClient, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", base)
	}
	return &apiClient{base: u, http: &http.Client{Timeout: 10 * time.Second}}, nil
}

func (c *apiClient) endpoint(parts ...string) *url.URL {
	u := *c.base
	u.Path = c.base.Path + "/api/" + strings.Join(parts, "/")
	return &u
}

func (c *apiClient) publish(ctx context.Context, topic string, req server.PublishRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint("topics", topic, "publish").String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, http.StatusAccepted, nil)
}

func (c *apiClient) stats(ctx context.Context) (*server.StatsResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("stats").String(), nil)
	if err != nil {
		return nil, err
	}
	var out server.StatsResponse
	if err := c.do(httpReq, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// streamURL returns the WebSocket URL for a topic stream.
func (c *apiClient) streamURL(topic, subject, filter string) string {
	u := c.endpoint("topics", topic, "stream")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	q := url.Values{}
	if subject != "" {
		q.Set("subject", subject)
	}
	if filter != "" {
		q.Set("filter", filter)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *apiClient) do(req *http.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return apiError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func apiError(status int, body []byte) error {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		switch {
		case e.Message != "":
			return fmt.Errorf("server returned %d: %s", status, e.Message)
		case e.Error != "":
			return fmt.Errorf("server returned %d: %s", status, e.Error)
		}
	}
	return fmt.Errorf("server returned %d", status)
}

// encodeData returns s unchanged when it is valid JSON and as a JSON string otherwise.
func encodeData(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

// parseAttributes turns key=value pairs into a map.
func parseAttributes(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q: want key=value", p)
		}
		attrs[k] = v
	}
	return attrs, nil
}
