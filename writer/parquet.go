package writer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "polyflow/config"
	"polyflow/logger"
	"polyflow/models"
)

// BookRecord is the parquet row schema for order book events. The raw event
// payload is kept verbatim so downstream consumers can reparse any field the
// flat columns do not carry.
type BookRecord struct {
	AssetID     string `parquet:"name=asset_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ConditionID string `parquet:"name=condition_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Slug        string `parquet:"name=slug, type=BYTE_ARRAY, convertedtype=UTF8"`
	Bucket      string `parquet:"name=bucket, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventType   string `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	ServerTS    int64  `parquet:"name=server_ts, type=INT64"`
	ReceivedAt  int64  `parquet:"name=received_at, type=INT64"`
	Payload     string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// OracleRecord is the parquet row schema for reference price events.
type OracleRecord struct {
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind        string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt  int64   `parquet:"name=received_at, type=INT64"`
	Price       float64 `parquet:"name=price, type=DOUBLE"`
	Size        float64 `parquet:"name=size, type=DOUBLE"`
	Side        string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	BestBid     float64 `parquet:"name=best_bid, type=DOUBLE"`
	BestBidSize float64 `parquet:"name=best_bid_size, type=DOUBLE"`
	BestAsk     float64 `parquet:"name=best_ask, type=DOUBLE"`
	BestAskSize float64 `parquet:"name=best_ask_size, type=DOUBLE"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// PartitionWriter turns flushed buffers into immutable parquet files under
// <directory>/<partition>/<date>/. Files are serialized in memory, written to
// a temp file and renamed into place, so a file is never observed half
// written. Files are never appended to or rewritten once renamed.
type PartitionWriter struct {
	baseDir     string
	compression parquet.CompressionCodec
	log         *logger.Log
}

func NewPartitionWriter(cfg *appconfig.Config) *PartitionWriter {
	var codec parquet.CompressionCodec
	switch cfg.Writer.Compression {
	case "snappy":
		codec = parquet.CompressionCodec_SNAPPY
	case "gzip":
		codec = parquet.CompressionCodec_GZIP
	default:
		codec = parquet.CompressionCodec_UNCOMPRESSED
	}

	return &PartitionWriter{
		baseDir:     cfg.Writer.Directory,
		compression: codec,
		log:         logger.GetLogger(),
	}
}

// WriteBook writes one immutable file of order book rows into the partition
// of the given bucket. The date partition comes from the time the buffer was
// opened, not the flush time, so a buffer spanning midnight lands in the day
// it started collecting.
func (w *PartitionWriter) WriteBook(bucket models.Bucket, openedAt time.Time, rows []models.BookEvent) (string, int64, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(BookRecord), 4)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = w.compression

	for _, ev := range rows {
		record := BookRecord{
			AssetID:     ev.AssetID,
			ConditionID: ev.ConditionID,
			Slug:        ev.Slug,
			Bucket:      string(ev.Bucket),
			EventType:   ev.EventType,
			ServerTS:    ev.ServerTS,
			ReceivedAt:  ev.ReceivedAt.UnixMilli(),
			Payload:     string(ev.Payload),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return "", 0, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return "", 0, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return w.commit(string(bucket), openedAt, "book", fw.Bytes())
}

// WriteOracle writes one immutable file of reference price rows into the
// oracle partition.
func (w *PartitionWriter) WriteOracle(openedAt time.Time, rows []models.OracleEvent) (string, int64, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(OracleRecord), 4)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = w.compression

	for _, ev := range rows {
		record := OracleRecord{
			Symbol:      ev.Symbol,
			Kind:        ev.Kind,
			ReceivedAt:  ev.ReceivedAt.UnixMilli(),
			Price:       ev.Price,
			Size:        ev.Size,
			Side:        ev.Side,
			BestBid:     ev.BestBid,
			BestBidSize: ev.BestBidSize,
			BestAsk:     ev.BestAsk,
			BestAskSize: ev.BestAskSize,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return "", 0, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return "", 0, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return w.commit("oracle", openedAt, "oracle", fw.Bytes())
}

// commit writes the serialized file atomically: temp file in the target
// directory, then rename.
func (w *PartitionWriter) commit(partition string, openedAt time.Time, kind string, data []byte) (string, int64, error) {
	dir := filepath.Join(w.baseDir, partition, openedAt.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create partition directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%s.parquet",
		time.Now().UTC().Format("15_04_05"),
		uuid.New().String()[:8],
		kind)
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	size := int64(len(data))
	logger.IncrementFileWrite(size)

	w.log.WithComponent("partition_writer").WithFields(logger.Fields{
		"path":      path,
		"file_size": size,
		"partition": partition,
	}).Debug("parquet file committed")

	return path, size, nil
}
