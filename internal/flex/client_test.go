package flex

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statementBody = `<FlexQueryResponse queryName="ledger" type="AF">
  <FlexStatements count="1">
    <FlexStatement accountId="U1234567" fromDate="2026-02-01" toDate="2026-02-28">
      <Trades>
        <Trade ibExecID="X1" conid="265598" buySell="BUY" quantity="10" tradePrice="50" currency="USD"/>
      </Trades>
    </FlexStatement>
  </FlexStatements>
</FlexQueryResponse>`

func sendRequestSuccess(statementURL string) string {
	return fmt.Sprintf(`<FlexStatementResponse timestamp="26 February, 2026 10:00 AM EST">
  <Status>Success</Status>
  <ReferenceCode>1234567890</ReferenceCode>
  <Url>%s</Url>
</FlexStatementResponse>`, statementURL)
}

func errorEnvelope(code, message string) string {
	return fmt.Sprintf(`<FlexStatementResponse timestamp="26 February, 2026 10:00 AM EST">
  <Status>Warn</Status>
  <ErrorCode>%s</ErrorCode>
  <ErrorMessage>%s</ErrorMessage>
</FlexStatementResponse>`, code, message)
}

// fastStrategy keeps poll waits near zero so tests run instantly.
func fastStrategy(attempts int) RetryStrategy {
	return RetryStrategy{
		InitialWait:   0,
		RetryAttempts: attempts,
		BackoffBase:   time.Millisecond,
		BackoffMax:    2 * time.Millisecond,
		JitterMin:     1,
		JitterMax:     1,
		RandomUnit:    fixedUnit(0),
	}
}

func newTestClient(t *testing.T, baseURL string, attempts int) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		Token:    "test-token",
		BaseURL:  baseURL,
		Strategy: fastStrategy(attempts),
	}, zerolog.Nop())
	require.NoError(t, err)
	return client
}

func TestFetchHappyPath(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/SendRequest":
			assert.Equal(t, "test-token", r.URL.Query().Get("t"))
			assert.Equal(t, "q-42", r.URL.Query().Get("q"))
			fmt.Fprint(w, sendRequestSuccess(server.URL+"/GetStatement"))
		case "/GetStatement":
			assert.Equal(t, "1234567890", r.URL.Query().Get("q"))
			fmt.Fprint(w, statementBody)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	defer client.Close()

	result, err := client.Fetch(context.Background(), "q-42")
	require.NoError(t, err)
	assert.Equal(t, "1234567890", result.ReferenceCode)
	assert.Contains(t, string(result.Payload), "FlexQueryResponse")

	stages := make([]string, 0, len(result.Timeline))
	for _, event := range result.Timeline {
		stages = append(stages, event.Stage+":"+event.Status)
	}
	assert.Equal(t, []string{
		"request:started", "request:success",
		"poll:started", "download:success", "poll:success",
	}, stages)
}

func TestFetchRetriesWhileInProgress(t *testing.T) {
	var polls atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/SendRequest":
			fmt.Fprint(w, sendRequestSuccess(server.URL+"/GetStatement"))
		case "/GetStatement":
			if polls.Add(1) < 3 {
				fmt.Fprint(w, errorEnvelope(CodeStatementInProgress, ""))
				return
			}
			fmt.Fprint(w, statementBody)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 5)
	defer client.Close()

	result, err := client.Fetch(context.Background(), "q-42")
	require.NoError(t, err)
	assert.EqualValues(t, 3, polls.Load())

	var retries int
	for _, event := range result.Timeline {
		if event.Stage == "poll" && event.Status == "retry" {
			retries++
			assert.Equal(t, CodeStatementInProgress, event.Details["error_code"])
		}
	}
	assert.Equal(t, 2, retries)
}

func TestFetchTokenExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, errorEnvelope(CodeTokenExpired, "Token has expired."))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	defer client.Close()

	_, err := client.Fetch(context.Background(), "q-42")
	require.Error(t, err)

	fe, ok := AsFlexError(err)
	require.True(t, ok)
	assert.Equal(t, KindTokenExpired, fe.Kind)
	assert.Equal(t, CodeTokenExpired, fe.Code)
}

func TestFetchFatalStatementError(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/SendRequest":
			fmt.Fprint(w, sendRequestSuccess(server.URL+"/GetStatement"))
		case "/GetStatement":
			fmt.Fprint(w, errorEnvelope(CodeInvalidReferenceCode, ""))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	defer client.Close()

	_, err := client.Fetch(context.Background(), "q-42")
	require.Error(t, err)

	fe, ok := AsFlexError(err)
	require.True(t, ok)
	assert.Equal(t, KindStatement, fe.Kind)
	assert.Equal(t, CodeInvalidReferenceCode, fe.Code)
	// Canonical message filled in when upstream omits one.
	assert.Contains(t, fe.Message, "Reference code is invalid")
}

func TestFetchPollTimeout(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/SendRequest":
			fmt.Fprint(w, sendRequestSuccess(server.URL+"/GetStatement"))
		case "/GetStatement":
			fmt.Fprint(w, errorEnvelope(CodeStatementInProgress, ""))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2)
	defer client.Close()

	_, err := client.Fetch(context.Background(), "q-42")
	require.Error(t, err)

	fe, ok := AsFlexError(err)
	require.True(t, ok)
	assert.Equal(t, KindPollTimeout, fe.Kind)
}

func TestFetchCancelledDuringRetryWait(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/SendRequest":
			fmt.Fprint(w, sendRequestSuccess(server.URL+"/GetStatement"))
		case "/GetStatement":
			fmt.Fprint(w, errorEnvelope(CodeRateLimited, ""))
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		Token:   "test-token",
		BaseURL: server.URL,
		Strategy: RetryStrategy{
			InitialWait:   0,
			RetryAttempts: 5,
			BackoffBase:   30 * time.Second,
			BackoffMax:    60 * time.Second,
			JitterMin:     1,
			JitterMax:     1,
			RandomUnit:    fixedUnit(0),
		},
	}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = client.Fetch(ctx, "q-42")
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetchRequestRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, errorEnvelope(CodeInvalidQuery, "Query is invalid."))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	defer client.Close()

	_, err := client.Fetch(context.Background(), "q-42")
	require.Error(t, err)

	fe, ok := AsFlexError(err)
	require.True(t, ok)
	assert.Equal(t, KindRequest, fe.Kind)
}

func TestFetchTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	defer client.Close()

	_, err := client.Fetch(context.Background(), "q-42")
	require.Error(t, err)

	fe, ok := AsFlexError(err)
	require.True(t, ok)
	assert.Equal(t, KindConnection, fe.Kind)
}
