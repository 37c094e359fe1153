// Package graph is the HTTP transport shared by the Instagram and Facebook
// publishers. Both platforms speak the Meta Graph API: form-encoded POSTs,
// JSON responses, and a common error envelope.
//
// Every failure is classified: transport failures become
// apperr.ErrTransientNetwork and any error envelope or non-2xx status becomes
// apperr.ErrPlatformRejected carrying the HTTP status and Graph error code.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/apperr"
)

const (
	// DefaultBaseURL is the Graph API base URL used for both platforms.
	DefaultBaseURL = "https://graph.facebook.com/v22.0"

	defaultTimeout = 30 * time.Second
)

// Client sends Graph API requests on behalf of one platform.
type Client struct {
	httpClient *http.Client
	baseURL    string
	platform   string
}

// NewClient creates a client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, platform string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		platform:   platform,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// Platform returns the platform label used in errors and logs.
func (c *Client) Platform() string { return c.platform }

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

type apiErr struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode,omitempty"`
	FBTraceID    string `json:"fbtrace_id,omitempty"`
}

type envelope struct {
	Error *apiErr `json:"error,omitempty"`
}

// PostForm sends a form-encoded POST and decodes the JSON response into out.
func (c *Client) PostForm(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint,
		strings.NewReader(params.Encode()))
	if err != nil {
		return apperr.Unexpected("build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	names := make([]string, 0, len(params))
	for key := range params {
		names = append(names, key)
	}
	log.Trace().Strs("formParams", names).Msg("Form parameters")

	return c.Do(req, out)
}

// Get sends a GET with params as the query string.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, out any) error {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return apperr.Unexpected("build request", err)
	}
	return c.Do(req, out)
}

// Do sends req and classifies the outcome. out may be nil.
func (c *Client) Do(req *http.Request, out any) error {
	start := time.Now()
	log.Debug().Str("platform", c.platform).Str("method", req.Method).Str("path", req.URL.Path).Msg("Graph API request")

	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		log.Debug().Str("platform", c.platform).Dur("duration", elapsed).Err(err).Msg("Graph API request failed")
		return apperr.Transient(c.platform, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Transient(c.platform, fmt.Errorf("read response: %w", err))
	}
	log.Debug().Str("platform", c.platform).Int("statusCode", resp.StatusCode).Dur("duration", elapsed).Msg("Graph API response")

	var env envelope
	_ = json.Unmarshal(body, &env)

	if env.Error != nil {
		status := resp.StatusCode
		if status < 400 {
			status = http.StatusBadRequest
		}
		log.Error().
			Str("platform", c.platform).
			Int("statusCode", resp.StatusCode).
			Str("errorMessage", env.Error.Message).
			Str("errorType", env.Error.Type).
			Int("errorCode", env.Error.Code).
			Str("fbtraceId", env.Error.FBTraceID).
			Msg("Graph API error")
		return apperr.Rejected(c.platform, status, env.Error.Code, env.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Rejected(c.platform, resp.StatusCode, 0, truncate(string(body), 200))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Unexpected("parse response", fmt.Errorf("%w (body: %s)", err, truncate(string(body), 200)))
	}
	return nil
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
