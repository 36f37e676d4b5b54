package oracle

import (
	"context"
	"testing"
	"time"

	binance "github.com/adshao/go-binance/v2"

	appconfig "polyflow/config"
	"polyflow/internal/channel"
	"polyflow/models"
)

func newTestFeed() (*Feed, *channel.Channels) {
	cfg := &appconfig.Config{
		Oracle: appconfig.OracleConfig{Enabled: true, Symbols: []string{"BTCUSDT"}},
	}
	channels := channel.NewChannels(16, 16)
	f := NewFeed(cfg, channels)
	f.ctx = context.Background()
	return f, channels
}

func recvOracle(t *testing.T, channels *channel.Channels) models.OracleEvent {
	t.Helper()
	select {
	case ev := <-channels.Oracle:
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an oracle event")
		return models.OracleEvent{}
	}
}

func TestHandleTradeSides(t *testing.T) {
	f, channels := newTestFeed()

	f.handleTrade(&binance.WsAggTradeEvent{
		Symbol:       "BTCUSDT",
		Price:        "50000.5",
		Quantity:     "0.25",
		IsBuyerMaker: true,
	})
	ev := recvOracle(t, channels)
	if ev.Kind != models.OracleTrade || ev.Side != "SELL" {
		t.Fatalf("buyer-maker trade should be a SELL: %+v", ev)
	}
	if ev.Price != 50000.5 || ev.Size != 0.25 {
		t.Fatalf("unexpected trade values: %+v", ev)
	}

	f.handleTrade(&binance.WsAggTradeEvent{
		Symbol:       "BTCUSDT",
		Price:        "50001",
		Quantity:     "0.1",
		IsBuyerMaker: false,
	})
	ev = recvOracle(t, channels)
	if ev.Side != "BUY" {
		t.Fatalf("taker-buy trade should be a BUY: %+v", ev)
	}
}

func TestHandleTradeMalformedDropped(t *testing.T) {
	f, channels := newTestFeed()

	f.handleTrade(&binance.WsAggTradeEvent{Symbol: "BTCUSDT", Price: "not-a-price", Quantity: "1"})
	f.handleTrade(&binance.WsAggTradeEvent{Symbol: "BTCUSDT", Price: "1", Quantity: ""})

	select {
	case ev := <-channels.Oracle:
		t.Fatalf("malformed trade produced an event: %+v", ev)
	default:
	}
}

func TestHandleTick(t *testing.T) {
	f, channels := newTestFeed()

	f.handleTick(&binance.WsBookTickerEvent{
		Symbol:       "BTCUSDT",
		BestBidPrice: "49999.5",
		BestBidQty:   "2",
		BestAskPrice: "50000.5",
		BestAskQty:   "3",
	})

	ev := recvOracle(t, channels)
	if ev.Kind != models.OracleTick {
		t.Fatalf("unexpected kind: %s", ev.Kind)
	}
	if ev.BestBid != 49999.5 || ev.BestBidSize != 2 || ev.BestAsk != 50000.5 || ev.BestAskSize != 3 {
		t.Fatalf("unexpected tick values: %+v", ev)
	}
}
