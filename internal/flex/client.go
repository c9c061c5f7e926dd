package flex

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/flexledger/internal/domain"
)

const (
	defaultBaseURL = "https://ndcdyn.interactivebrokers.com/AccountManagement/FlexWebService"
	apiVersion     = "3"

	// The Flex endpoint rejects unfamiliar user agents.
	userAgent = "Java"

	defaultRequestTimeout = 30 * time.Second
)

// Client talks to the IBKR Flex Web Service. It owns a pooled HTTP client
// with an explicit Close; no per-call connection setup.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	strategy   RetryStrategy
	log        zerolog.Logger
}

// ClientConfig holds the adapter construction parameters
type ClientConfig struct {
	Token          string
	BaseURL        string
	RequestTimeout time.Duration
	Strategy       RetryStrategy
}

// FetchResult is the outcome of one successful request/poll/download cycle
type FetchResult struct {
	ReferenceCode string
	Payload       []byte
	Timeline      []domain.StageEvent
}

// statementResponse is the FlexStatementResponse envelope returned by
// SendRequest and by GetStatement while the statement is not ready.
type statementResponse struct {
	Status        string `xml:"Status"`
	ErrorCode     string `xml:"ErrorCode"`
	ErrorMessage  string `xml:"ErrorMessage"`
	ReferenceCode string `xml:"ReferenceCode"`
	URL           string `xml:"Url"`
}

// NewClient creates a Flex Web Service client
func NewClient(cfg ClientConfig, log zerolog.Logger) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("flex token must not be blank")
	}
	if err := cfg.Strategy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry strategy: %w", err)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      token,
		strategy:   cfg.Strategy,
		log:        log.With().Str("adapter", "flex").Logger(),
	}, nil
}

// Close tears down the pooled transport
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Fetch runs the full SendRequest then GetStatement flow and returns the
// statement payload bytes together with the adapter stage timeline.
func (c *Client) Fetch(ctx context.Context, queryID string) (*FetchResult, error) {
	queryID = strings.TrimSpace(queryID)
	if queryID == "" {
		return nil, fmt.Errorf("query id must not be blank")
	}

	timeline := &domain.Timeline{}

	timeline.Record(domain.StageRequest, domain.StageStatusStarted, nil)
	referenceCode, statementURL, err := c.sendRequest(ctx, queryID)
	if err != nil {
		timeline.Record(domain.StageRequest, domain.StageStatusFailed, map[string]interface{}{
			"error": err.Error(),
		})
		return &FetchResult{Timeline: timeline.Events()}, err
	}
	timeline.Record(domain.StageRequest, domain.StageStatusSuccess, map[string]interface{}{
		"reference_code": referenceCode,
	})

	timeline.Record(domain.StagePoll, domain.StageStatusStarted, nil)
	payload, err := c.pollStatement(ctx, statementURL, referenceCode, timeline)
	if err != nil {
		timeline.Record(domain.StagePoll, domain.StageStatusFailed, map[string]interface{}{
			"error": err.Error(),
		})
		return &FetchResult{ReferenceCode: referenceCode, Timeline: timeline.Events()}, err
	}
	timeline.Record(domain.StagePoll, domain.StageStatusSuccess, nil)

	return &FetchResult{
		ReferenceCode: referenceCode,
		Payload:       payload,
		Timeline:      timeline.Events(),
	}, nil
}

// sendRequest performs the request phase and returns the upstream reference
// code plus the statement URL to poll.
func (c *Client) sendRequest(ctx context.Context, queryID string) (string, string, error) {
	params := url.Values{}
	params.Set("t", c.token)
	params.Set("q", queryID)
	params.Set("v", apiVersion)

	payload, err := c.httpGet(ctx, c.baseURL+"/SendRequest", params)
	if err != nil {
		return "", "", err
	}

	var resp statementResponse
	if err := xml.Unmarshal(payload, &resp); err != nil {
		return "", "", newError(KindRequest, "", "failed to parse SendRequest response", err)
	}

	if !strings.EqualFold(strings.TrimSpace(resp.Status), "success") {
		code := strings.TrimSpace(resp.ErrorCode)
		message := strings.TrimSpace(resp.ErrorMessage)
		if message == "" {
			message = DefaultMessage(code, "request rejected by upstream")
		}
		return "", "", newError(KindRequest, code, message, nil)
	}

	referenceCode := strings.TrimSpace(resp.ReferenceCode)
	if referenceCode == "" {
		return "", "", newError(KindRequest, "", "SendRequest response missing ReferenceCode", nil)
	}

	statementURL := strings.TrimSpace(resp.URL)
	if statementURL == "" {
		statementURL = c.baseURL + "/GetStatement"
	}

	c.log.Debug().Str("reference_code", referenceCode).Msg("Flex request accepted")
	return referenceCode, statementURL, nil
}

// pollStatement polls GetStatement with bounded exponential backoff until the
// statement body arrives. Code-specific retry floors from the previous error
// override the computed wait when larger.
func (c *Client) pollStatement(ctx context.Context, statementURL, referenceCode string, timeline *domain.Timeline) ([]byte, error) {
	params := url.Values{}
	params.Set("q", referenceCode)
	params.Set("t", c.token)
	params.Set("v", apiVersion)

	var pendingFloor time.Duration

	for attempt := 0; attempt < c.strategy.RetryAttempts; attempt++ {
		wait := c.strategy.WaitFor(attempt)
		if pendingFloor > wait {
			wait = pendingFloor
		}
		pendingFloor = 0
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}

		payload, err := c.httpGet(ctx, statementURL, params)
		if err != nil {
			return nil, err
		}

		if isStatementDocument(payload) {
			timeline.Record(domain.StageDownload, domain.StageStatusSuccess, map[string]interface{}{
				"poll_attempt": attempt + 1,
			})
			return payload, nil
		}

		var resp statementResponse
		if err := xml.Unmarshal(payload, &resp); err != nil {
			if len(bytes.TrimSpace(payload)) == 0 {
				continue
			}
			return nil, newError(KindStatement, "", "unexpected non-XML poll response", err)
		}

		code := strings.TrimSpace(resp.ErrorCode)
		message := strings.TrimSpace(resp.ErrorMessage)
		if message == "" {
			message = DefaultMessage(code, "unexpected upstream response")
		}

		if IsRetryableInPoll(code) {
			pendingFloor = RetryDelayFloor(code)
			timeline.Record(domain.StagePoll, domain.StageStatusRetry, map[string]interface{}{
				"poll_attempt":        attempt + 1,
				"error_code":          code,
				"error_message":       message,
				"retry_after_seconds": pendingFloor.Seconds(),
			})
			c.log.Debug().
				Int("poll_attempt", attempt+1).
				Str("error_code", code).
				Msg("Flex statement not ready, retrying")
			continue
		}

		if code == "" {
			code = "UNKNOWN"
		}
		return nil, newError(KindStatement, code, message, nil)
	}

	return nil, &Error{Kind: KindPollTimeout, Message: "statement polling timed out after all retries"}
}

// httpGet executes one GET and returns the body bytes, translating transport
// failures into typed connection/timeout errors.
func (c *Client) httpGet(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, newError(KindConnection, "", "failed to build request", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, newError(KindTimeout, "", "transport request timed out", err)
		}
		return nil, newError(KindConnection, "", "transport request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, newError(KindConnection, "", fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindConnection, "", "failed to read response body", err)
	}
	return body, nil
}

// isStatementDocument reports whether the payload's root element is a Flex
// statement body rather than an error envelope.
func isStatementDocument(payload []byte) bool {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := decoder.Token()
		if err != nil {
			return false
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local == "FlexQueryResponse" || start.Name.Local == "FlexStatements"
		}
	}
}
