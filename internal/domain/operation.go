package domain

import (
	"encoding/json"
	"time"
)

// Side is the direction of an executed order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OperationRecord is the canonical persisted projection of one order's
// execution state. Repeated execution reports for the same order id
// converge to the latest snapshot (last-write-wins, keyed by user+order).
type OperationRecord struct {
	OrderID     string          `json:"order_id" db:"order_id"`
	Exchange    string          `json:"exchange" db:"exchange"`
	Side        Side            `json:"side" db:"side"`
	BaseAsset   string          `json:"base_asset" db:"base_asset"`
	QuoteAsset  string          `json:"quote_asset" db:"quote_asset"`
	BaseAmount  float64         `json:"base_amount" db:"base_amount"`
	QuoteAmount float64         `json:"quote_amount" db:"quote_amount"`
	Rate        float64         `json:"rate" db:"rate"`
	Fee         float64         `json:"fee" db:"fee"`
	FeeAsset    string          `json:"fee_asset" db:"fee_asset"`
	Profit      float64         `json:"profit" db:"profit"`
	Status      string          `json:"status" db:"status"`
	EventTime   time.Time       `json:"event_time" db:"event_time"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty" db:"raw_payload"`
}

// Credential is the stored API credential pair for one user. The secret
// is held only in sealed form; the plaintext lives in memory for a
// single decrypt-and-use cycle.
type Credential struct {
	UserID          string `json:"user_id" db:"user_id"`
	APIKey          string `json:"api_key" db:"api_key"`
	APISecretCipher string `json:"api_secret_cipher" db:"api_secret_cipher"`
}

// ConnectionFlag is the durable per-user switch consulted on boot
// recovery. TokenIssuedAt records the latest listen-key issuance for
// observability only.
type ConnectionFlag struct {
	UserID        string    `json:"user_id" db:"user_id"`
	Connected     bool      `json:"connected" db:"connected"`
	TokenIssuedAt time.Time `json:"token_issued_at" db:"token_issued_at"`
}
