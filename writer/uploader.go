package writer

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "polyflow/config"
	"polyflow/logger"
)

// objectPutter is the slice of the S3 client the uploader needs; tests swap
// in a recording fake.
type objectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader periodically sweeps the data directory, uploads settled parquet
// files to S3 preserving the partition layout, and removes the local copy
// after a successful upload. Only files older than min_file_age are swept so
// a file being renamed into place is never raced.
type Uploader struct {
	cfg    *appconfig.Config
	client objectPutter

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewUploader(cfg *appconfig.Config) (*Uploader, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("uploader").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("uploader").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("uploader initialized")

	return &Uploader{
		cfg:    cfg,
		client: client,
		wg:     &sync.WaitGroup{},
		log:    log,
	}, nil
}

func (u *Uploader) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return fmt.Errorf("uploader already running")
	}
	u.running = true
	u.ctx = ctx
	u.mu.Unlock()

	u.log.WithComponent("uploader").WithFields(logger.Fields{
		"sweep_interval": u.cfg.Storage.S3.SweepInterval,
		"min_file_age":   u.cfg.Storage.S3.MinFileAge,
	}).Info("starting uploader")

	u.wg.Add(1)
	go u.worker()

	return nil
}

func (u *Uploader) Stop() {
	u.mu.Lock()
	u.running = false
	u.mu.Unlock()

	u.log.WithComponent("uploader").Info("stopping uploader")
	u.wg.Wait()
	u.log.WithComponent("uploader").Info("uploader stopped")
}

func (u *Uploader) worker() {
	defer u.wg.Done()

	log := u.log.WithComponent("uploader").WithFields(logger.Fields{"worker": "sweep"})
	log.Info("starting sweep worker")

	ticker := time.NewTicker(u.cfg.Storage.S3.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-u.ctx.Done():
			log.Info("sweep worker stopped due to context cancellation")
			return
		case <-ticker.C:
			u.sweep()
		}
	}
}

// sweep uploads and removes every settled parquet file under the data
// directory. A file that fails to upload stays local and is retried on the
// next sweep.
func (u *Uploader) sweep() {
	log := u.log.WithComponent("uploader")
	cutoff := time.Now().Add(-u.cfg.Storage.S3.MinFileAge)

	var uploaded, failed int
	err := filepath.WalkDir(u.cfg.Writer.Directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if u.ctx.Err() != nil {
			return u.ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".parquet") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := u.uploadFile(path); err != nil {
			failed++
			log.WithError(err).WithFields(logger.Fields{"path": path}).Warn("failed to upload file, keeping local copy")
			return nil
		}
		uploaded++
		return nil
	})
	if err != nil && u.ctx.Err() == nil {
		log.WithError(err).Warn("sweep aborted")
	}

	if uploaded > 0 || failed > 0 {
		log.WithFields(logger.Fields{
			"uploaded": uploaded,
			"failed":   failed,
		}).Info("sweep complete")
	}
}

func (u *Uploader) uploadFile(path string) error {
	rel, err := filepath.Rel(u.cfg.Writer.Directory, path)
	if err != nil {
		return fmt.Errorf("failed to compute object key: %w", err)
	}
	key := filepath.ToSlash(rel)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"polyflow-version": u.cfg.Polyflow.Version,
		},
	}

	ctx := context.WithoutCancel(u.ctx)
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", u.cfg.Storage.S3.Bucket, err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("uploaded but failed to remove local file: %w", err)
	}

	logger.IncrementS3Upload(int64(len(data)))
	return nil
}
