package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/funbringer/zenith/pkg/types"
)

// S3Storage implements Backend on S3-compatible object storage.
type S3Storage struct {
	client     *s3.Client
	bucket     string
	prefix     string
	compressor *Compressor
	ctx        context.Context
}

// S3Config holds S3 configuration.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`   // e.g. https://s3.amazonaws.com or http://minio:9000
	Bucket    string `yaml:"bucket"`     // bucket name
	Region    string `yaml:"region"`     // AWS region
	AccessKey string `yaml:"access_key"` // access key ID
	SecretKey string `yaml:"secret_key"` // secret access key
	Prefix    string `yaml:"prefix"`     // optional prefix for all objects
}

// NewS3Storage creates an S3 storage backend.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	ctx := context.Background()

	var awsCfg aws.Config
	var err error
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
			config.WithRegion(cfg.Region),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOptions := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = true // required for MinIO and some S3-compatible services
		},
	}
	if cfg.Endpoint != "" {
		clientOptions = append(clientOptions, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	client := s3.NewFromConfig(awsCfg, clientOptions...)

	if err := ensureBucketExists(ctx, client, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	compressor, err := NewCompressor()
	if err != nil {
		return nil, err
	}
	return &S3Storage{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		compressor: compressor,
		ctx:        ctx,
	}, nil
}

func ensureBucketExists(ctx context.Context, client *s3.Client, bucket string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	log.Printf("created s3 bucket: %s", bucket)
	return nil
}

func (s *S3Storage) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (s *S3Storage) imageKey(p types.PageID, lsn types.Lsn) string {
	return s.key("images", fmt.Sprintf("rel_%d", p.RelID), fmt.Sprintf("%s_%d_%d", p.Fork, p.BlockNo, uint64(lsn)))
}

// StoreImage uploads one full page image.
func (s *S3Storage) StoreImage(p types.PageID, lsn, covered types.Lsn, image []byte) error {
	// Object layout: [base LSN (8 bytes)][covered LSN (8 bytes)][zstd-compressed image]
	buf := make([]byte, 16, 16+len(image))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(lsn))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(covered))
	buf = append(buf, s.compressor.Compress(image)...)

	_, err := s.client.PutObject(s.ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.imageKey(p, lsn)),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"rel-id":   fmt.Sprintf("%d", p.RelID),
			"fork":     p.Fork.String(),
			"block-no": fmt.Sprintf("%d", p.BlockNo),
			"lsn":      fmt.Sprintf("%d", lsn),
			"covered":  fmt.Sprintf("%d", covered),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}
	return nil
}

// LoadImage finds and downloads the newest image at or before lsn.
func (s *S3Storage) LoadImage(p types.PageID, lsn types.Lsn) ([]byte, types.Lsn, types.Lsn, error) {
	prefix := s.key("images", fmt.Sprintf("rel_%d", p.RelID), fmt.Sprintf("%s_%d_", p.Fork, p.BlockNo))

	var bestLSN types.Lsn
	var bestKey string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(s.ctx)
		if err != nil {
			return nil, types.InvalidLsn, types.InvalidLsn, fmt.Errorf("failed to list images: %w", err)
		}
		for _, obj := range page.Contents {
			var fileLSN uint64
			format := fmt.Sprintf("%s_%d_%%d", p.Fork, p.BlockNo)
			if _, err := fmt.Sscanf(path.Base(*obj.Key), format, &fileLSN); err != nil {
				continue
			}
			if types.Lsn(fileLSN) <= lsn && types.Lsn(fileLSN) > bestLSN {
				bestLSN = types.Lsn(fileLSN)
				bestKey = *obj.Key
			}
		}
	}
	if bestKey == "" {
		return nil, types.InvalidLsn, types.InvalidLsn, fmt.Errorf("no persisted image for %s at %s: %w", p, lsn, types.ErrPageNotFound)
	}

	result, err := s.client.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(bestKey),
	})
	if err != nil {
		return nil, types.InvalidLsn, types.InvalidLsn, fmt.Errorf("failed to download image: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, types.InvalidLsn, types.InvalidLsn, fmt.Errorf("failed to read image body: %w", err)
	}
	if len(data) < 16 {
		return nil, types.InvalidLsn, types.InvalidLsn, fmt.Errorf("image object %s truncated", bestKey)
	}
	imageLSN := types.Lsn(binary.LittleEndian.Uint64(data[0:8]))
	covered := types.Lsn(binary.LittleEndian.Uint64(data[8:16]))
	image, err := s.compressor.Decompress(data[16:])
	if err != nil {
		return nil, types.InvalidLsn, types.InvalidLsn, fmt.Errorf("image object %s: %w", bestKey, err)
	}
	return image, imageLSN, covered, nil
}

// StoreCheckpoint uploads the applied-LSN watermark.
func (s *S3Storage) StoreCheckpoint(lsn types.Lsn) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(lsn))
	_, err := s.client.PutObject(s.ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key("checkpoint")),
		Body:        bytes.NewReader(buf[:]),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint downloads the last recorded watermark.
func (s *S3Storage) LoadCheckpoint() (types.Lsn, error) {
	result, err := s.client.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key("checkpoint")),
	})
	if err != nil {
		// A fresh bucket has no checkpoint yet.
		return types.InvalidLsn, nil
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return types.InvalidLsn, fmt.Errorf("failed to read checkpoint body: %w", err)
	}
	if len(data) != 8 {
		return types.InvalidLsn, fmt.Errorf("checkpoint object has %d bytes, want 8", len(data))
	}
	return types.Lsn(binary.LittleEndian.Uint64(data)), nil
}

// Close releases the compressor. The S3 client needs no explicit cleanup.
func (s *S3Storage) Close() error {
	return s.compressor.Close()
}
