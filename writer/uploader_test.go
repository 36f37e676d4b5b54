package writer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "polyflow/config"
	"polyflow/logger"
)

type fakePutter struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakePutter) PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if _, err := io.ReadAll(input.Body); err != nil {
		return nil, err
	}
	f.keys = append(f.keys, *input.Key)
	return &s3.PutObjectOutput{}, nil
}

func uploaderConfig(dir string) *appconfig.Config {
	return &appconfig.Config{
		Storage: appconfig.StorageConfig{
			S3: appconfig.S3Config{
				Enabled:       true,
				Bucket:        "polyflow-data",
				Region:        "us-east-1",
				SweepInterval: time.Hour,
				MinFileAge:    time.Minute,
			},
		},
		Writer: appconfig.WriterConfig{Directory: dir},
	}
}

func writeDataFile(t *testing.T, dir, rel string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("parquet-bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return path
}

func TestSweepUploadsSettledFilesAndRemovesLocal(t *testing.T) {
	dir := t.TempDir()
	putter := &fakePutter{}
	u := &Uploader{
		cfg:    uploaderConfig(dir),
		client: putter,
		ctx:    context.Background(),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}

	settled := writeDataFile(t, dir, "5m/2024-06-01/12_00_00_aaaa_book.parquet", 10*time.Minute)
	fresh := writeDataFile(t, dir, "5m/2024-06-01/12_30_00_bbbb_book.parquet", time.Second)
	notParquet := writeDataFile(t, dir, "5m/2024-06-01/.tmp-123", 10*time.Minute)

	u.sweep()

	if len(putter.keys) != 1 || putter.keys[0] != "5m/2024-06-01/12_00_00_aaaa_book.parquet" {
		t.Fatalf("unexpected uploads: %v", putter.keys)
	}
	if _, err := os.Stat(settled); !os.IsNotExist(err) {
		t.Fatal("settled file should be removed after upload")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh file must not be swept")
	}
	if _, err := os.Stat(notParquet); err != nil {
		t.Fatal("non-parquet file must not be swept")
	}
}

func TestSweepKeepsFileWhenUploadFails(t *testing.T) {
	dir := t.TempDir()
	putter := &fakePutter{err: fmt.Errorf("network down")}
	u := &Uploader{
		cfg:    uploaderConfig(dir),
		client: putter,
		ctx:    context.Background(),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}

	path := writeDataFile(t, dir, "1h/2024-06-01/13_00_00_cccc_book.parquet", 10*time.Minute)

	u.sweep()

	if _, err := os.Stat(path); err != nil {
		t.Fatal("file must stay local when the upload fails")
	}

	// Next sweep retries once the failure clears.
	putter.err = nil
	u.sweep()
	if len(putter.keys) != 1 {
		t.Fatalf("expected retry upload, got %v", putter.keys)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file should be removed after the retried upload")
	}
}
