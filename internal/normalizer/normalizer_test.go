package normalizer_test

import (
	"strings"
	"testing"
	"time"

	"binance-userstream-supervisor/internal/domain"
	"binance-userstream-supervisor/internal/normalizer"
)

func TestNormalize_ExecutionReport(t *testing.T) {
	n := normalizer.New(nil)
	raw := []byte(`{"e":"executionReport","E":1700000000000,"s":"BTCUSDT","S":"SELL",` +
		`"i":12345,"z":"0.5","Z":"15000","n":"0.001","N":"BNB","X":"FILLED"}`)

	rec, ok := n.Normalize(raw)
	if !ok {
		t.Fatal("expected execution report to normalize")
	}
	if rec.OrderID != "12345" {
		t.Errorf("order id: got %q", rec.OrderID)
	}
	if rec.Side != domain.SideSell {
		t.Errorf("side: got %q", rec.Side)
	}
	if rec.BaseAsset != "BTC" || rec.QuoteAsset != "USDT" {
		t.Errorf("assets: got %q/%q", rec.BaseAsset, rec.QuoteAsset)
	}
	if rec.BaseAmount != 0.5 || rec.QuoteAmount != 15000 {
		t.Errorf("amounts: got %v/%v", rec.BaseAmount, rec.QuoteAmount)
	}
	if rec.Rate != 30000 {
		t.Errorf("rate: got %v, want 30000", rec.Rate)
	}
	if rec.Fee != 0.001 || rec.FeeAsset != "BNB" {
		t.Errorf("fee: got %v %q", rec.Fee, rec.FeeAsset)
	}
	if rec.Status != "FILLED" {
		t.Errorf("status: got %q", rec.Status)
	}
	want := time.UnixMilli(1700000000000).UTC()
	if !rec.EventTime.Equal(want) {
		t.Errorf("event time: got %v want %v", rec.EventTime, want)
	}
	if rec.Exchange != "binance" {
		t.Errorf("exchange: got %q", rec.Exchange)
	}
}

func TestNormalize_ZeroFilledRate(t *testing.T) {
	n := normalizer.New(nil)
	raw := []byte(`{"e":"executionReport","s":"BTCUSDT","S":"BUY","i":1,"z":"0","Z":"15000"}`)
	rec, ok := n.Normalize(raw)
	if !ok {
		t.Fatal("expected normalize")
	}
	if rec.Rate != 15000 {
		t.Errorf("division-by-zero guard: got rate %v, want 15000", rec.Rate)
	}
}

func TestNormalize_SkipsOtherEvents(t *testing.T) {
	n := normalizer.New(nil)
	for _, raw := range []string{
		`{"e":"outboundAccountPosition","u":1}`,
		`{"e":"balanceUpdate"}`,
		`{"result":null,"id":1}`,
		`not json at all`,
	} {
		if _, ok := n.Normalize([]byte(raw)); ok {
			t.Errorf("expected skip for %q", raw)
		}
	}
}

func TestNormalize_TolerantAmountParsing(t *testing.T) {
	n := normalizer.New(nil)
	raw := []byte(`{"e":"executionReport","s":"ETHUSDT","S":"BUY","i":7,"z":"garbage","Z":""}`)
	rec, ok := n.Normalize(raw)
	if !ok {
		t.Fatal("expected normalize")
	}
	if rec.BaseAmount != 0 || rec.QuoteAmount != 0 {
		t.Errorf("non-numeric input must parse to 0, got %v/%v", rec.BaseAmount, rec.QuoteAmount)
	}
	if rec.Rate != 0 {
		t.Errorf("rate of empty fill must be 0, got %v", rec.Rate)
	}
}

func TestNormalize_MissingOrderIDFallback(t *testing.T) {
	n := normalizer.New(nil)
	raw := []byte(`{"e":"executionReport","s":"BTCUSDT","S":"BUY","z":"1","Z":"2"}`)
	rec, ok := n.Normalize(raw)
	if !ok {
		t.Fatal("expected normalize")
	}
	if !strings.HasPrefix(rec.OrderID, "gen-") || len(rec.OrderID) <= len("gen-") {
		t.Errorf("expected generated fallback order id, got %q", rec.OrderID)
	}
	other, _ := n.Normalize(raw)
	if other.OrderID == rec.OrderID {
		t.Error("fallback order ids must be unique per event")
	}
}

func TestNormalize_MissingEventTimeUsesWallClock(t *testing.T) {
	n := normalizer.New(nil)
	before := time.Now().UTC().Add(-time.Second)
	rec, ok := n.Normalize([]byte(`{"e":"executionReport","s":"BTCUSDT","S":"BUY","i":2,"z":"1","Z":"2"}`))
	if !ok {
		t.Fatal("expected normalize")
	}
	if rec.EventTime.Before(before) {
		t.Errorf("expected wall-clock event time, got %v", rec.EventTime)
	}
}

func TestNormalize_SymbolSplit(t *testing.T) {
	n := normalizer.New(nil)
	cases := map[string][2]string{
		"BTCUSDT":  {"BTC", "USDT"},
		"ETHBTC":   {"ETH", "BTC"},
		"SOLFDUSD": {"SOL", "FDUSD"},
		"WEIRD":    {"WEIRD", ""},
	}
	for symbol, want := range cases {
		raw := []byte(`{"e":"executionReport","s":"` + symbol + `","S":"BUY","i":3,"z":"1","Z":"1"}`)
		rec, ok := n.Normalize(raw)
		if !ok {
			t.Fatalf("normalize %s", symbol)
		}
		if rec.BaseAsset != want[0] || rec.QuoteAsset != want[1] {
			t.Errorf("%s: got %q/%q want %q/%q", symbol, rec.BaseAsset, rec.QuoteAsset, want[0], want[1])
		}
	}
}
