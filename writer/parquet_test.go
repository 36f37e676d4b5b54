package writer

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	appconfig "polyflow/config"
	"polyflow/models"
)

func partitionConfig(dir string) *appconfig.Config {
	return &appconfig.Config{
		Writer: appconfig.WriterConfig{
			Directory:   dir,
			Compression: "snappy",
		},
	}
}

func TestWriteBookRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewPartitionWriter(partitionConfig(dir))

	opened := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := []models.BookEvent{
		bookEvent("tok-1", models.Bucket5m, 100),
		bookEvent("tok-2", models.Bucket5m, 101),
	}

	path, size, err := w.WriteBook(models.Bucket5m, opened, rows)
	if err != nil {
		t.Fatalf("WriteBook: %v", err)
	}
	if size <= 0 {
		t.Fatalf("unexpected file size: %d", size)
	}

	wantDir := filepath.Join(dir, "5m", "2024-06-01")
	if filepath.Dir(path) != wantDir {
		t.Fatalf("unexpected partition path: %s", path)
	}
	if !strings.HasSuffix(path, "_book.parquet") {
		t.Fatalf("unexpected file name: %s", path)
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open parquet file: %v", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(BookRecord), 1)
	if err != nil {
		t.Fatalf("create parquet reader: %v", err)
	}
	defer pr.ReadStop()

	if pr.GetNumRows() != 2 {
		t.Fatalf("expected 2 rows, got %d", pr.GetNumRows())
	}
	got := make([]BookRecord, 2)
	if err := pr.Read(&got); err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if got[0].AssetID != "tok-1" || got[1].AssetID != "tok-2" {
		t.Fatalf("row order not preserved: %+v", got)
	}
	if got[0].ServerTS != 100 || got[0].Bucket != "5m" || got[0].EventType != "book" {
		t.Fatalf("unexpected first row: %+v", got[0])
	}
	if got[0].Payload == "" {
		t.Fatal("payload column empty")
	}

	// No temp files left behind.
	leftovers, _ := filepath.Glob(filepath.Join(wantDir, ".tmp-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestWriteOracleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewPartitionWriter(partitionConfig(dir))

	opened := time.Date(2024, 6, 1, 23, 59, 0, 0, time.UTC)
	rows := []models.OracleEvent{
		{Symbol: "BTCUSDT", Kind: models.OracleTrade, ReceivedAt: opened, Price: 50000.5, Size: 0.25, Side: "BUY"},
		{Symbol: "BTCUSDT", Kind: models.OracleTick, ReceivedAt: opened, BestBid: 50000, BestBidSize: 1, BestAsk: 50001, BestAskSize: 2},
	}

	path, _, err := w.WriteOracle(opened, rows)
	if err != nil {
		t.Fatalf("WriteOracle: %v", err)
	}

	// The oracle partition keys by the day the buffer opened, even right
	// before midnight.
	wantDir := filepath.Join(dir, "oracle", "2024-06-01")
	if filepath.Dir(path) != wantDir {
		t.Fatalf("unexpected partition path: %s", path)
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open parquet file: %v", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(OracleRecord), 1)
	if err != nil {
		t.Fatalf("create parquet reader: %v", err)
	}
	defer pr.ReadStop()

	got := make([]OracleRecord, 2)
	if err := pr.Read(&got); err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if got[0].Kind != "trade" || got[0].Price != 50000.5 {
		t.Fatalf("unexpected trade row: %+v", got[0])
	}
	if got[1].Kind != "tick" || got[1].BestAsk != 50001 {
		t.Fatalf("unexpected tick row: %+v", got[1])
	}
}
