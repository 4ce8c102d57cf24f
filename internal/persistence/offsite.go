package persistence

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/config"
)

const archivePrefix = "strategos-backup-"

// S3Client wraps the AWS SDK for any S3-compatible endpoint
type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewS3Client builds a client against the configured endpoint with static
// credentials. Path-style addressing keeps R2 and minio-style endpoints
// working.
func NewS3Client(ctx context.Context, cfg config.OffsiteConfig, log zerolog.Logger) (*S3Client, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &S3Client{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		log:      log.With().Str("client", "s3").Logger(),
	}, nil
}

// Upload streams an object into the bucket
func (c *S3Client) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// RemoteObject is one stored object key with its size
type RemoteObject struct {
	Key       string
	SizeBytes int64
}

// List returns objects under a key prefix
func (c *S3Client) List(ctx context.Context, prefix string) ([]RemoteObject, error) {
	var objects []RemoteObject

	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			ro := RemoteObject{Key: *obj.Key}
			if obj.Size != nil {
				ro.SizeBytes = *obj.Size
			}
			objects = append(objects, ro)
		}
	}

	return objects, nil
}

// Delete removes an object from the bucket
func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Offsite uploads finished backup directories to S3-compatible storage
// as tar.gz archives with sha256 sidecars, and rotates old remote copies
type Offsite struct {
	client *S3Client
	cfg    config.OffsiteConfig
	log    zerolog.Logger
}

// RemoteBackup describes one archive stored offsite
type RemoteBackup struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewOffsite creates the offsite uploader
func NewOffsite(client *S3Client, cfg config.OffsiteConfig, log zerolog.Logger) *Offsite {
	return &Offsite{
		client: client,
		cfg:    cfg,
		log:    log.With().Str("service", "offsite_backup").Logger(),
	}
}

// UploadBackup archives a backup directory and uploads the archive plus a
// sha256 sidecar object. The archive carries the backup's manifest.json,
// so the remote copy is self-describing.
func (o *Offsite) UploadBackup(ctx context.Context, backupDir string) error {
	start := time.Now()
	o.log.Info().Str("backup", filepath.Base(backupDir)).Msg("Starting offsite upload")

	stagingDir, err := os.MkdirTemp("", "offsite-staging-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	archiveName := archivePrefix + start.UTC().Format("2006-01-02-150405") + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)

	if err := createArchive(archivePath, backupDir); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	checksum, err := fileChecksum(archivePath)
	if err != nil {
		return fmt.Errorf("failed to calculate checksum: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	info, err := archiveFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	key := o.cfg.Prefix + archiveName
	if err := o.client.Upload(ctx, key, archiveFile); err != nil {
		return err
	}
	if err := o.client.Upload(ctx, key+".sha256", strings.NewReader(checksum+"\n")); err != nil {
		return err
	}

	o.log.Info().
		Str("key", key).
		Str("checksum", checksum).
		Int64("size_mb", info.Size()/1024/1024).
		Dur("duration_ms", time.Since(start)).
		Msg("Offsite upload completed")

	return nil
}

// ListBackups returns remote archives, newest first
func (o *Offsite) ListBackups(ctx context.Context) ([]RemoteBackup, error) {
	objects, err := o.client.List(ctx, o.cfg.Prefix+archivePrefix)
	if err != nil {
		return nil, err
	}

	backups := make([]RemoteBackup, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, o.cfg.Prefix)
		if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, ".tar.gz") {
			continue
		}

		timestampStr := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), ".tar.gz")
		timestamp, err := time.Parse("2006-01-02-150405", timestampStr)
		if err != nil {
			o.log.Warn().Str("key", obj.Key).Msg("Failed to parse timestamp from key")
			continue
		}

		backups = append(backups, RemoteBackup{
			Key:       obj.Key,
			Timestamp: timestamp,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// Rotate deletes remote archives older than the retention period.
// A minimum number of archives is kept regardless of age.
func (o *Offsite) Rotate(ctx context.Context) error {
	backups, err := o.ListBackups(ctx)
	if err != nil {
		return err
	}

	keepMin := o.cfg.KeepMin
	if keepMin <= 0 {
		keepMin = 3
	}
	if len(backups) <= keepMin {
		o.log.Info().Int("count", len(backups)).Msg("Too few offsite backups to rotate")
		return nil
	}

	var cutoff time.Time
	if o.cfg.RetentionDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -o.cfg.RetentionDays)
	}

	deleted := 0
	for i, backup := range backups {
		if i < keepMin {
			continue
		}
		if o.cfg.RetentionDays == 0 {
			continue
		}
		if backup.Timestamp.Before(cutoff) {
			if err := o.client.Delete(ctx, backup.Key); err != nil {
				o.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old offsite backup")
				continue
			}
			// Sidecar is best-effort
			o.client.Delete(ctx, backup.Key+".sha256")
			deleted++
			o.log.Info().Str("key", backup.Key).Time("timestamp", backup.Timestamp).Msg("Deleted old offsite backup")
		}
	}

	o.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Offsite rotation completed")

	return nil
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// createArchive tars sourceDir into a gzip-compressed archive
func createArchive(archivePath, sourceDir string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	return filepath.WalkDir(sourceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		return addFileToArchive(tarWriter, path, rel)
	})
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}
	return nil
}
