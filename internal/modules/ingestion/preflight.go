package ingestion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/flexledger/internal/domain"
)

// hardRequiredSections must be present in every statement payload. The set is
// frozen: changing it silently changes what "complete statement" means.
var hardRequiredSections = []string{
	"Trades",
	"OpenPositions",
	"CashTransactions",
	"CorporateActions",
	"ConversionRates",
	"SecuritiesInfo",
	"AccountInformation",
}

// reconciliationRequiredSections are enforced only when reconciliation
// publishing is enabled.
var reconciliationRequiredSections = []string{
	"MTMPerformanceSummaryInBase",
	"FIFOPerformanceSummaryInBase",
}

// futureProofSections are persisted raw but never block ingestion
var futureProofSections = []string{
	"InterestAccruals",
	"ChangeInDividendAccruals",
	"OpenDividendAccruals",
	"ChangeInNAV",
	"StmtFunds",
	"UnbundledCommissionDetails",
}

// PreflightResult reports the section preflight outcome
type PreflightResult struct {
	DetectedSections              []string
	FutureProofSections           []string
	MissingHardRequired           []string
	MissingReconciliationRequired []string
}

// Valid reports whether no required sections are missing
func (r *PreflightResult) Valid() bool {
	return len(r.MissingHardRequired) == 0 && len(r.MissingReconciliationRequired) == 0
}

// MissingSections returns the sorted union of all missing required sections
func (r *PreflightResult) MissingSections() []string {
	missing := append([]string{}, r.MissingHardRequired...)
	missing = append(missing, r.MissingReconciliationRequired...)
	sort.Strings(missing)
	return missing
}

// MissingRequiredSectionError fails a run before any raw row is persisted
type MissingRequiredSectionError struct {
	Result PreflightResult
}

func (e *MissingRequiredSectionError) Error() string {
	return fmt.Sprintf("%s: missing sections=%s",
		domain.ErrCodeMissingSection, strings.Join(e.Result.MissingSections(), ", "))
}

// ValidateRequiredSections checks the payload's section set against the
// frozen required-section matrix.
func ValidateRequiredSections(payload []byte, reconciliationEnabled bool) (*PreflightResult, error) {
	statements, err := parseStatements(payload)
	if err != nil {
		return nil, err
	}

	detected := sectionNames(statements)
	detectedSet := make(map[string]bool, len(detected))
	for _, name := range detected {
		detectedSet[name] = true
	}

	result := &PreflightResult{DetectedSections: detected}
	for _, name := range futureProofSections {
		if detectedSet[name] {
			result.FutureProofSections = append(result.FutureProofSections, name)
		}
	}
	sort.Strings(result.FutureProofSections)

	for _, name := range hardRequiredSections {
		if !detectedSet[name] {
			result.MissingHardRequired = append(result.MissingHardRequired, name)
		}
	}
	sort.Strings(result.MissingHardRequired)

	if reconciliationEnabled {
		for _, name := range reconciliationRequiredSections {
			if !detectedSet[name] {
				result.MissingReconciliationRequired = append(result.MissingReconciliationRequired, name)
			}
		}
		sort.Strings(result.MissingReconciliationRequired)
	}

	return result, nil
}
