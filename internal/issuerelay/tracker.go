package issuerelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// IssueContext is the metadata the orchestrator fetches from the
// issue-tracking platform when enriching a session.
type IssueContext struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	TeamKey     string   `json:"teamKey,omitempty"`
	TeamName    string   `json:"teamName,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	State       string   `json:"state,omitempty"`
}

// TrackerClient is the narrow capability the core needs from the platform
// API.
type TrackerClient interface {
	FetchIssueContext(ctx context.Context, issueID string) (IssueContext, error)
	PostActivity(ctx context.Context, sessionID, body string) error
}

type TrackerAccessTokenProvider func(ctx context.Context) (string, error)

func StaticTokenProvider(token string) TrackerAccessTokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type TrackerClientOptions struct {
	BaseURL       string
	TokenProvider TrackerAccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// HTTPTrackerClient talks to the platform API with capped exponential
// retries on 429 and 5xx responses, honoring Retry-After.
type HTTPTrackerClient struct {
	baseURL       string
	tokenProvider TrackerAccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPTrackerClient(opts TrackerClientOptions) *HTTPTrackerClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.tracker.example.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPTrackerClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *HTTPTrackerClient) FetchIssueContext(ctx context.Context, issueID string) (IssueContext, error) {
	issueID = strings.TrimSpace(issueID)
	if issueID == "" {
		return IssueContext{}, fmt.Errorf("%w: issue id is required", ErrInvalidInput)
	}
	var issue IssueContext
	path := "/v1/issues/" + url.PathEscape(issueID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return IssueContext{}, err
	}
	return issue, nil
}

func (c *HTTPTrackerClient) PostActivity(ctx context.Context, sessionID, body string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	path := "/v1/agent-sessions/" + url.PathEscape(sessionID) + "/activities"
	payload := map[string]string{"body": body}
	return c.doJSON(ctx, http.MethodPost, path, payload, nil)
}

func (c *HTTPTrackerClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("tracker client is nil")
	}
	tokenProvider := c.tokenProvider
	if tokenProvider == nil {
		return fmt.Errorf("tracker token provider is required")
	}
	token, err := tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("tracker token is empty")
	}
	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	requestURL := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		errCode := ""
		errMessage := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if code, ok := parsed["code"].(string); ok {
				errCode = code
			}
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				errMessage = message
			}
		}
		if errCode != "" {
			return fmt.Errorf("tracker request failed: status=%d code=%s message=%s", resp.StatusCode, errCode, errMessage)
		}
		return fmt.Errorf("tracker request failed: status=%d message=%s", resp.StatusCode, errMessage)
	}
}

func (c *HTTPTrackerClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
