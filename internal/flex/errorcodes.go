// Package flex implements the IBKR Flex Web Service transport adapter.
// It fetches statement XML bytes through the SendRequest/GetStatement dance
// and never interprets business content.
package flex

import "time"

// Known IBKR Flex API error codes used by adapter routing logic.
const (
	CodeStatementNotAvailable  = "1003"
	CodeStatementIncomplete    = "1004"
	CodeSettlementNotReady     = "1005"
	CodeFIFONotReady           = "1006"
	CodeMTMNotReady            = "1007"
	CodeMTMAndFIFONotReady     = "1008"
	CodeServerBusy             = "1009"
	CodeLegacyQueryUnsupported = "1010"
	CodeServiceAccountInactive = "1011"
	CodeTokenExpired           = "1012"
	CodeIPRestriction          = "1013"
	CodeInvalidQuery           = "1014"
	CodeInvalidToken           = "1015"
	CodeInvalidAccount         = "1016"
	CodeInvalidReferenceCode   = "1017"
	CodeRateLimited            = "1018"
	CodeStatementInProgress    = "1019"
	CodeInvalidRequest         = "1020"
	CodeStatementUnavailable   = "1021"
)

// defaultMessages holds canonical upstream messages, used when the response
// carries a code but no message text.
var defaultMessages = map[string]string{
	CodeStatementNotAvailable:  "Statement is not available.",
	CodeStatementIncomplete:    "Statement is incomplete at this time. Please try again shortly.",
	CodeSettlementNotReady:     "Settlement data is not ready at this time. Please try again shortly.",
	CodeFIFONotReady:           "FIFO P/L data is not ready at this time. Please try again shortly.",
	CodeMTMNotReady:            "MTM P/L data is not ready at this time. Please try again shortly.",
	CodeMTMAndFIFONotReady:     "MTM and FIFO P/L data is not ready at this time. Please try again shortly.",
	CodeServerBusy:             "The server is under heavy load. Statement could not be generated at this time. Please try again shortly.",
	CodeLegacyQueryUnsupported: "Legacy Flex Queries are no longer supported. Please convert over to Activity Flex.",
	CodeServiceAccountInactive: "Service account is inactive.",
	CodeTokenExpired:           "Token has expired.",
	CodeIPRestriction:          "IP restriction.",
	CodeInvalidQuery:           "Query is invalid.",
	CodeInvalidToken:           "Token is invalid.",
	CodeInvalidAccount:         "Account in invalid.",
	CodeInvalidReferenceCode:   "Reference code is invalid.",
	CodeRateLimited:            "Too many requests have been made from this token. Please try again shortly.",
	CodeStatementInProgress:    "Statement generation in progress. Please try again shortly.",
	CodeInvalidRequest:         "Invalid request or unable to validate request.",
	CodeStatementUnavailable:   "Statement could not be retrieved at this time. Please try again shortly.",
}

var retryablePollCodes = map[string]bool{
	CodeServerBusy:          true,
	CodeRateLimited:         true,
	CodeStatementInProgress: true,
}

var tokenCodes = map[string]bool{
	CodeTokenExpired: true,
	CodeInvalidToken: true,
}

// IsRetryableInPoll reports whether the code is worth retrying during the
// GetStatement poll loop.
func IsRetryableInPoll(code string) bool {
	return retryablePollCodes[code]
}

// IsTokenCode reports whether the code signals a token lifecycle failure.
func IsTokenCode(code string) bool {
	return tokenCodes[code]
}

// IsFatal reports whether the code terminates the run immediately.
// Unknown codes are fatal.
func IsFatal(code string) bool {
	return !IsRetryableInPoll(code) && !IsTokenCode(code)
}

// KnownCode reports whether the code is part of the canonical enum.
func KnownCode(code string) bool {
	_, ok := defaultMessages[code]
	return ok
}

// DefaultMessage returns the canonical message for a known code, else the
// provided fallback.
func DefaultMessage(code, fallback string) string {
	if msg, ok := defaultMessages[code]; ok {
		return msg
	}
	return fallback
}

// RetryDelayFloor returns the code-specific minimum retry delay applied to
// the next poll attempt after a retryable error.
func RetryDelayFloor(code string) time.Duration {
	switch code {
	case CodeRateLimited:
		return 10 * time.Second
	case CodeServerBusy:
		return 5 * time.Second
	}
	return 5 * time.Second
}
