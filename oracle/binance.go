package oracle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"

	appconfig "polyflow/config"
	"polyflow/internal/channel"
	"polyflow/logger"
	"polyflow/models"
)

// Feed streams the reference spot price of the underlying assets from
// Binance: aggregated trades and best bid/ask ticks. The prediction markets
// resolve against this price, so it is captured alongside the order book
// flow.
type Feed struct {
	cfg      *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewFeed(cfg *appconfig.Config, channels *channel.Channels) *Feed {
	return &Feed{
		cfg:      cfg,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("oracle feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	if !f.cfg.Oracle.Enabled {
		return fmt.Errorf("oracle feed is disabled")
	}

	f.log.WithComponent("oracle_feed").WithFields(logger.Fields{
		"symbols": f.cfg.Oracle.Symbols,
	}).Info("starting oracle feed")

	f.wg.Add(2)
	go f.streamTrades()
	go f.streamTicks()

	return nil
}

func (f *Feed) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.log.WithComponent("oracle_feed").Info("stopping oracle feed")
	f.wg.Wait()
	f.log.WithComponent("oracle_feed").Info("oracle feed stopped")
}

func (f *Feed) streamTrades() {
	defer f.wg.Done()

	log := f.log.WithComponent("oracle_feed").WithFields(logger.Fields{"worker": "agg_trades"})

	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	for f.ctx.Err() == nil {
		doneC, stopC, err := binance.WsCombinedAggTradeServe(f.cfg.Oracle.Symbols, f.handleTrade, errHandler)
		if err != nil {
			log.WithError(err).Warn("failed to subscribe to agg trade stream, retrying")
			if !f.sleep(3 * time.Second) {
				return
			}
			continue
		}

		select {
		case <-f.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			log.Warn("agg trade stream ended, resubscribing")
			if !f.sleep(time.Second) {
				return
			}
		}
	}
}

func (f *Feed) streamTicks() {
	defer f.wg.Done()

	log := f.log.WithComponent("oracle_feed").WithFields(logger.Fields{"worker": "book_ticker"})

	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	for f.ctx.Err() == nil {
		doneC, stopC, err := binance.WsCombinedBookTickerServe(f.cfg.Oracle.Symbols, f.handleTick, errHandler)
		if err != nil {
			log.WithError(err).Warn("failed to subscribe to book ticker stream, retrying")
			if !f.sleep(3 * time.Second) {
				return
			}
			continue
		}

		select {
		case <-f.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			log.Warn("book ticker stream ended, resubscribing")
			if !f.sleep(time.Second) {
				return
			}
		}
	}
}

func (f *Feed) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-f.ctx.Done():
		return false
	}
}

func (f *Feed) handleTrade(event *binance.WsAggTradeEvent) {
	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil {
		logger.IncrementMalformed()
		return
	}
	size, err := strconv.ParseFloat(event.Quantity, 64)
	if err != nil {
		logger.IncrementMalformed()
		return
	}

	// The maker side is the resting order, so a buyer-maker trade was a
	// sell hitting the book.
	side := "BUY"
	if event.IsBuyerMaker {
		side = "SELL"
	}

	ev := models.OracleEvent{
		Symbol:     event.Symbol,
		Kind:       models.OracleTrade,
		ReceivedAt: time.Now().UTC(),
		Price:      price,
		Size:       size,
		Side:       side,
	}
	if f.channels.SendOracle(f.ctx, ev) {
		logger.IncrementOracleRead(len(event.Price) + len(event.Quantity))
	}
}

func (f *Feed) handleTick(event *binance.WsBookTickerEvent) {
	bid, err1 := strconv.ParseFloat(event.BestBidPrice, 64)
	bidSize, err2 := strconv.ParseFloat(event.BestBidQty, 64)
	ask, err3 := strconv.ParseFloat(event.BestAskPrice, 64)
	askSize, err4 := strconv.ParseFloat(event.BestAskQty, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		logger.IncrementMalformed()
		return
	}

	ev := models.OracleEvent{
		Symbol:      event.Symbol,
		Kind:        models.OracleTick,
		ReceivedAt:  time.Now().UTC(),
		BestBid:     bid,
		BestBidSize: bidSize,
		BestAsk:     ask,
		BestAskSize: askSize,
	}
	if f.channels.SendOracle(f.ctx, ev) {
		logger.IncrementOracleRead(len(event.BestBidPrice) + len(event.BestAskPrice))
	}
}
