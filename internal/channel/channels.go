package channel

import (
	"context"
	"sync"
	"time"

	"polyflow/logger"
	"polyflow/models"
)

type ChannelStats struct {
	BookSent      int64
	OracleSent    int64
	BookDropped   int64
	OracleDropped int64
}

// Channels carries parsed events from the stream readers to the sinks. Both
// channels are bounded so a stalled sink can never grow memory without bound;
// sends never block the read loops.
type Channels struct {
	Book   chan models.BookEvent
	Oracle chan models.OracleEvent

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bookBufferSize, oracleBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Book:   make(chan models.BookEvent, bookBufferSize),
		Oracle: make(chan models.OracleEvent, oracleBufferSize),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"book_buffer_size":   bookBufferSize,
		"oracle_buffer_size": oracleBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Book)
	close(c.Oracle)
	c.log.WithComponent("channels").Info("channels closed")
}

// SendBook enqueues a book event without blocking. It returns false when the
// context is cancelled or the channel is full; full-channel drops are counted.
func (c *Channels) SendBook(ctx context.Context, ev models.BookEvent) bool {
	select {
	case c.Book <- ev:
		c.statsMutex.Lock()
		c.stats.BookSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.BookDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendOracle enqueues an oracle event without blocking, mirroring SendBook.
func (c *Channels) SendOracle(ctx context.Context, ev models.OracleEvent) bool {
	select {
	case c.Oracle <- ev:
		c.statsMutex.Lock()
		c.stats.OracleSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.OracleDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically reports channel depths and send/drop
// totals until the context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.WithComponent("channels").WithFields(logger.Fields{
				"book_sent":      stats.BookSent,
				"book_dropped":   stats.BookDropped,
				"oracle_sent":    stats.OracleSent,
				"oracle_dropped": stats.OracleDropped,
				"book_depth":     len(c.Book),
				"oracle_depth":   len(c.Oracle),
			}).Info("channel statistics")
		}
	}
}
