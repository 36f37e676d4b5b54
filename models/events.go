package models

import "time"

// Book event types emitted by the CLOB market stream.
const (
	EventBook        = "book"
	EventPriceChange = "price_change"
	EventLastTrade   = "last_trade_price"
)

// BookEvent is one parsed message from the market stream, routed by asset id.
// Payload carries the original event JSON; the collector does not interpret
// book semantics beyond routing and timestamps.
type BookEvent struct {
	AssetID     string
	ConditionID string
	Slug        string
	Bucket      Bucket
	EventType   string
	ServerTS    int64 // server timestamp in ms, 0 when absent
	ReceivedAt  time.Time
	Payload     []byte
}

// Oracle event kinds from the spot reference feed.
const (
	OracleTrade = "trade"
	OracleTick  = "tick"
)

// OracleEvent is a spot trade or top-of-book update from the oracle feed.
type OracleEvent struct {
	Symbol      string
	Kind        string
	ReceivedAt  time.Time
	Price       float64
	Size        float64
	Side        string // taker side for trades, empty for ticks
	BestBid     float64
	BestBidSize float64
	BestAsk     float64
	BestAskSize float64
}
