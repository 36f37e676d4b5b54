package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appconfig "polyflow/config"
	"polyflow/logger"
	"polyflow/models"
)

// bookFileWriter is the slice of PartitionWriter the sink needs; tests swap
// in a recording fake.
type bookFileWriter interface {
	WriteBook(bucket models.Bucket, openedAt time.Time, rows []models.BookEvent) (string, int64, error)
}

type bookBuffer struct {
	rows     []models.BookEvent
	openedAt time.Time
}

// Sink drains the book event channel into per-bucket buffers and flushes each
// buffer to one immutable parquet file when it reaches max_rows_per_file or
// max_buffer_age, whichever comes first. Events of different buckets never
// share a file; within a buffer, arrival order is preserved.
type Sink struct {
	cfg    *appconfig.Config
	events <-chan models.BookEvent
	files  bookFileWriter

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	buffers map[models.Bucket]*bookBuffer
	dead    map[models.Bucket]bool

	flushTicker  *time.Ticker
	filesWritten atomic.Int64
	log          *logger.Log
}

func NewSink(cfg *appconfig.Config, events <-chan models.BookEvent) *Sink {
	return &Sink{
		cfg:     cfg,
		events:  events,
		files:   NewPartitionWriter(cfg),
		wg:      &sync.WaitGroup{},
		buffers: make(map[models.Bucket]*bookBuffer),
		dead:    make(map[models.Bucket]bool),
		log:     logger.GetLogger(),
	}
}

func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("book sink already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.flushTicker = time.NewTicker(s.cfg.Writer.FlushCheckInterval)

	s.log.WithComponent("book_sink").WithFields(logger.Fields{
		"directory":      s.cfg.Writer.Directory,
		"max_rows":       s.cfg.Writer.MaxRowsPerFile,
		"max_buffer_age": s.cfg.Writer.MaxBufferAge,
	}).Info("starting book sink")

	s.wg.Add(2)
	go s.worker()
	go s.flushWorker()

	return nil
}

// Stop waits for the workers to exit, then flushes whatever the buffers still
// hold. Data received before shutdown is on disk when Stop returns.
func (s *Sink) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if s.flushTicker != nil {
		s.flushTicker.Stop()
	}

	s.log.WithComponent("book_sink").Info("stopping book sink")
	s.wg.Wait()
	s.drainBacklog()
	s.flushAll("shutdown")
	s.log.WithComponent("book_sink").Info("book sink stopped")
}

// drainBacklog empties events still queued in the channel after the drain
// worker exited. Anything pushed before the stop signal reaches a buffer and
// is covered by the shutdown flush.
func (s *Sink) drainBacklog() {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.append(ev)
		default:
			return
		}
	}
}

// BufferedRows reports the number of rows currently held across all buckets.
func (s *Sink) BufferedRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, buf := range s.buffers {
		total += len(buf.rows)
	}
	return total
}

// FilesWritten reports the number of files flushed since start.
func (s *Sink) FilesWritten() int64 {
	return s.filesWritten.Load()
}

func (s *Sink) worker() {
	defer s.wg.Done()

	log := s.log.WithComponent("book_sink").WithFields(logger.Fields{"worker": "drain"})
	log.Info("starting drain worker")

	for {
		select {
		case <-s.ctx.Done():
			log.Info("drain worker stopped due to context cancellation")
			return
		case ev, ok := <-s.events:
			if !ok {
				log.Info("book channel closed, drain worker stopping")
				return
			}
			s.append(ev)
		}
	}
}

func (s *Sink) flushWorker() {
	defer s.wg.Done()

	log := s.log.WithComponent("book_sink").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-s.ctx.Done():
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-s.flushTicker.C:
			s.flushAged()
		}
	}
}

// append adds one event to its bucket buffer and flushes inline when the
// buffer reaches max_rows_per_file, so no file ever exceeds the limit.
func (s *Sink) append(ev models.BookEvent) {
	s.mu.Lock()
	if s.dead[ev.Bucket] {
		s.mu.Unlock()
		return
	}
	buf := s.buffers[ev.Bucket]
	if buf == nil {
		buf = &bookBuffer{openedAt: time.Now().UTC()}
		s.buffers[ev.Bucket] = buf
	}
	if len(buf.rows) == 0 {
		buf.openedAt = time.Now().UTC()
	}
	buf.rows = append(buf.rows, ev)

	var full *bookBuffer
	if len(buf.rows) >= s.cfg.Writer.MaxRowsPerFile {
		delete(s.buffers, ev.Bucket)
		full = buf
	}
	s.mu.Unlock()

	if full != nil {
		s.flush(ev.Bucket, full, "max_rows")
	}
}

// flushAged flushes every buffer older than max_buffer_age.
func (s *Sink) flushAged() {
	now := time.Now()

	s.mu.Lock()
	aged := make(map[models.Bucket]*bookBuffer)
	for bucket, buf := range s.buffers {
		if len(buf.rows) > 0 && now.Sub(buf.openedAt) >= s.cfg.Writer.MaxBufferAge {
			aged[bucket] = buf
			delete(s.buffers, bucket)
		}
	}
	s.mu.Unlock()

	for bucket, buf := range aged {
		s.flush(bucket, buf, "max_age")
	}
}

func (s *Sink) flushAll(reason string) {
	s.mu.Lock()
	buffers := s.buffers
	s.buffers = make(map[models.Bucket]*bookBuffer)
	s.mu.Unlock()

	for bucket, buf := range buffers {
		s.flush(bucket, buf, reason)
	}
}

// flush writes one buffer to one file. A failed write is retried once after
// write_retry_delay; a second failure terminates this bucket's pipeline,
// other buckets keep collecting. The retry sleep runs on the calling worker,
// so appends to every bucket stall for write_retry_delay during the retry.
func (s *Sink) flush(bucket models.Bucket, buf *bookBuffer, reason string) {
	if len(buf.rows) == 0 {
		return
	}

	log := s.log.WithComponent("book_sink").WithFields(logger.Fields{
		"flush_id": uuid.New().String(),
		"bucket":   bucket,
		"rows":     len(buf.rows),
		"reason":   reason,
	})

	path, size, err := s.files.WriteBook(bucket, buf.openedAt, buf.rows)
	if err != nil {
		log.WithError(err).Warn("flush failed, retrying")
		time.Sleep(s.cfg.Writer.WriteRetryDelay)
		path, size, err = s.files.WriteBook(bucket, buf.openedAt, buf.rows)
		if err != nil {
			s.mu.Lock()
			s.dead[bucket] = true
			s.mu.Unlock()
			log.WithError(err).WithFields(logger.Fields{
				"directory": s.cfg.Writer.Directory,
			}).Error("flush failed after retry, terminating bucket pipeline")
			return
		}
	}

	s.filesWritten.Add(1)
	log.WithFields(logger.Fields{
		"path":      path,
		"file_size": size,
	}).Info("buffer flushed")
}
