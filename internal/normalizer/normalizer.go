// Package normalizer maps Binance executionReport events onto the
// canonical OperationRecord.
package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"binance-userstream-supervisor/internal/domain"
)

// EventTypeExecutionReport is the "e" discriminator of the only event
// shape this package converts; everything else is skipped.
const EventTypeExecutionReport = "executionReport"

// Exchange is stamped onto every produced record.
const Exchange = "binance"

// defaultQuoteAssets is the suffix set used to split a symbol into
// base/quote when no explicit list is configured. Longer suffixes first
// so e.g. "FDUSD" wins over "USD"-like overlaps.
var defaultQuoteAssets = []string{
	"FDUSD", "USDT", "USDC", "TUSD", "BUSD",
	"BTC", "ETH", "BNB", "EUR", "TRY",
}

// Normalizer converts raw event payloads into OperationRecords.
type Normalizer struct {
	quoteAssets []string
}

// New builds a Normalizer. An empty quoteAssets falls back to the
// default suffix set.
func New(quoteAssets []string) *Normalizer {
	if len(quoteAssets) == 0 {
		quoteAssets = defaultQuoteAssets
	}
	return &Normalizer{quoteAssets: quoteAssets}
}

// executionReport mirrors the single-letter field names of the Binance
// user data stream.
type executionReport struct {
	EventType       string      `json:"e"`
	EventTime       int64       `json:"E"` // unix ms
	Symbol          string      `json:"s"`
	Side            string      `json:"S"` // "BUY" / "SELL"
	OrderID         json.Number `json:"i"`
	CumFilledQty    string      `json:"z"`
	CumQuoteQty     string      `json:"Z"`
	Commission      string      `json:"n"`
	CommissionAsset string      `json:"N"`
	OrderStatus     string      `json:"X"`
}

// Normalize converts raw into an OperationRecord. The second return is
// false when the event is not an execution report (skip, no side effect).
func (n *Normalizer) Normalize(raw []byte) (domain.OperationRecord, bool) {
	var evt executionReport
	if err := json.Unmarshal(raw, &evt); err != nil {
		return domain.OperationRecord{}, false
	}
	if evt.EventType != EventTypeExecutionReport {
		return domain.OperationRecord{}, false
	}

	base, quote := n.splitSymbol(evt.Symbol)

	baseAmount := parseAmount(evt.CumFilledQty)
	quoteAmount := parseAmount(evt.CumQuoteQty)

	// Divisor of 1 when nothing was filled: documented policy, not a crash.
	divisor := baseAmount
	if divisor == 0 {
		divisor = 1
	}

	rec := domain.OperationRecord{
		OrderID:     orderID(evt.OrderID),
		Exchange:    Exchange,
		Side:        side(evt.Side),
		BaseAsset:   base,
		QuoteAsset:  quote,
		BaseAmount:  baseAmount,
		QuoteAmount: quoteAmount,
		Rate:        quoteAmount / divisor,
		Fee:         parseAmount(evt.Commission),
		FeeAsset:    evt.CommissionAsset,
		Status:      evt.OrderStatus,
		EventTime:   eventTime(evt.EventTime),
		RawPayload:  json.RawMessage(raw),
	}
	return rec, true
}

// side maps the venue's SELL marker; anything else is a buy.
func side(s string) domain.Side {
	if strings.EqualFold(s, "SELL") {
		return domain.SideSell
	}
	return domain.SideBuy
}

// parseAmount tolerates missing or non-numeric input as zero.
func parseAmount(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

// orderID falls back to a generated id when the event carries none,
// accepting the at-least-once duplication risk in that edge case.
func orderID(id json.Number) string {
	if id.String() == "" {
		return "gen-" + uuid.NewString()
	}
	return id.String()
}

func eventTime(unixMs int64) time.Time {
	if unixMs > 0 {
		return time.UnixMilli(unixMs).UTC()
	}
	return time.Now().UTC()
}

func (n *Normalizer) splitSymbol(symbol string) (base, quote string) {
	for _, q := range n.quoteAssets {
		if len(symbol) > len(q) && strings.HasSuffix(symbol, q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, ""
}
