package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStatement = `<FlexQueryResponse queryName="daily" type="AF">
  <FlexStatements count="1">
    <FlexStatement accountId="U1234567" fromDate="2026-02-12" toDate="2026-02-12" reportDate="2026-02-12" period="LastBusinessDay">
      <AccountInformation accountId="U1234567" currency="USD" name="Sample Account"/>
      <Trades>
        <Trade transactionID="7001001" conid="265598" symbol="AAPL" currency="USD" quantity="100" tradePrice="50.00"/>
        <Trade conid="265598" symbol="AAPL" currency="USD" quantity="40" tradePrice="55.00"/>
      </Trades>
      <OpenPositions>
        <OpenPosition conid="265598" symbol="AAPL" position="60" markPrice="52.00" reportDate="2026-02-12"/>
      </OpenPositions>
      <CashTransactions>
        <CashTransaction transactionID="7002001" conid="265598" type="Dividends" amount="3.35" currency="USD"/>
      </CashTransactions>
      <CorporateActions/>
      <ConversionRates>
        <ConversionRate reportDate="2026-02-12" fromCurrency="ILS" toCurrency="USD" rate="0.27"/>
      </ConversionRates>
      <SecuritiesInfo>
        <SecurityInfo conid="265598" symbol="AAPL" description="APPLE INC" currency="USD"/>
      </SecuritiesInfo>
    </FlexStatement>
  </FlexStatements>
</FlexQueryResponse>`

func findRows(t *testing.T, result *ExtractionResult, section string) []ExtractedRow {
	t.Helper()
	var rows []ExtractedRow
	for _, row := range result.Rows {
		if row.SectionName == section {
			rows = append(rows, row)
		}
	}
	return rows
}

func TestExtractRowsReportDate(t *testing.T) {
	result, err := ExtractRows([]byte(sampleStatement))
	require.NoError(t, err)
	assert.Equal(t, "2026-02-12", result.ReportDateLocal)
}

func TestExtractRowsCompactReportDate(t *testing.T) {
	payload := `<FlexQueryResponse><FlexStatements count="1">
		<FlexStatement accountId="U1" toDate="20260212">
			<Trades><Trade transactionID="1" conid="1"/></Trades>
		</FlexStatement>
	</FlexStatements></FlexQueryResponse>`

	result, err := ExtractRows([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "2026-02-12", result.ReportDateLocal)
}

func TestExtractRowsPrefersUpstreamIdentifier(t *testing.T) {
	result, err := ExtractRows([]byte(sampleStatement))
	require.NoError(t, err)

	trades := findRows(t, result, "Trades")
	require.Len(t, trades, 2)
	assert.Equal(t, "Trades:Trade:transactionID=7001001", trades[0].SourceRowRef)
	assert.Equal(t, "7001001", trades[0].SourcePayload["transactionID"])
}

func TestExtractRowsFallsBackToPosition(t *testing.T) {
	result, err := ExtractRows([]byte(sampleStatement))
	require.NoError(t, err)

	trades := findRows(t, result, "Trades")
	require.Len(t, trades, 2)
	// The second trade has no identifier attribute; the one-based position
	// becomes the row handle.
	assert.Equal(t, "Trades:Trade:idx=2", trades[1].SourceRowRef)
}

func TestExtractRowsSectionLevelAttributes(t *testing.T) {
	result, err := ExtractRows([]byte(sampleStatement))
	require.NoError(t, err)

	accountRows := findRows(t, result, "AccountInformation")
	require.Len(t, accountRows, 1)
	assert.Equal(t, "AccountInformation:section:1", accountRows[0].SourceRowRef)
	assert.Equal(t, "U1234567", accountRows[0].SourcePayload["accountId"])
}

func TestExtractRowsKeepsUnknownSections(t *testing.T) {
	payload := `<FlexQueryResponse><FlexStatements count="1">
		<FlexStatement accountId="U1">
			<BrandNewSection><Row id="9" value="x"/></BrandNewSection>
		</FlexStatement>
	</FlexStatements></FlexQueryResponse>`

	result, err := ExtractRows([]byte(payload))
	require.NoError(t, err)

	rows := findRows(t, result, "BrandNewSection")
	require.Len(t, rows, 1)
	assert.Equal(t, "BrandNewSection:Row:id=9", rows[0].SourceRowRef)
}

func TestExtractRowsRejectsEmptyPayload(t *testing.T) {
	_, err := ExtractRows(nil)
	assert.Error(t, err)
}

func TestExtractRowsRejectsPayloadWithoutStatement(t *testing.T) {
	_, err := ExtractRows([]byte(`<FlexQueryResponse><FlexStatements count="0"/></FlexQueryResponse>`))
	assert.Error(t, err)
}
