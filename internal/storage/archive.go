package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"argus-soar/internal/playbook"
	"argus-soar/internal/shadow"
)

// S3Config configures the archive bucket.
type S3Config struct {
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint,omitempty"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	Timeout         time.Duration `yaml:"timeout"`
}

// DefaultS3Config returns sensible defaults. Bucket is empty: the
// caller opts in to archiving by setting it.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:  "us-east-1",
		Prefix:  "audit/",
		Timeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c S3Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

// Archiver writes gzip-compressed JSON records of terminal instances
// and drill reports to S3. A nil *Archiver is a valid no-op.
type Archiver struct {
	client *s3.Client
	config S3Config
	logger *slog.Logger
}

// NewArchiver builds an archiver over the configured bucket.
func NewArchiver(ctx context.Context, cfg S3Config, logger *slog.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	a := &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		logger: logger.With("component", "archive"),
	}
	a.logger.Info("s3 archiver initialized", "bucket", cfg.Bucket, "region", cfg.Region)
	return a, nil
}

// ArchiveInstance stores the terminal snapshot of one instance.
func (a *Archiver) ArchiveInstance(ctx context.Context, snap playbook.Snapshot) error {
	if a == nil {
		return nil
	}
	key := archiveKey(a.config.Prefix, snap.UpdatedAt, "instance-"+snap.ID.String())
	return a.put(ctx, key, snap)
}

// ArchiveDrillReport stores one drill report.
func (a *Archiver) ArchiveDrillReport(ctx context.Context, report *shadow.DrillReport) error {
	if a == nil {
		return nil
	}
	name := fmt.Sprintf("drill-%s-%s", report.Policy, report.StartedAt.UTC().Format("150405"))
	key := archiveKey(a.config.Prefix, report.StartedAt, name)
	return a.put(ctx, key, report)
}

func (a *Archiver) put(ctx context.Context, key string, record any) error {
	body, err := gzipJSON(record)
	if err != nil {
		return err
	}

	putCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	_, err = a.client.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:          aws.String(a.config.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	a.logger.Debug("archived record", "key", key, "bytes", len(body))
	return nil
}

// archiveKey lays records out by day so retention and retrieval work on
// date prefixes.
func archiveKey(prefix string, at time.Time, name string) string {
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s.json.gz",
		prefix, at.Year(), at.Month(), at.Day(), name)
}

func gzipJSON(record any) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal archive record: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("compress archive record: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress archive record: %w", err)
	}
	return buf.Bytes(), nil
}
