package archive

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/workbook-migrator/internal/config"
)

// S3Archiver uploads finished jobs' source workbooks to S3 under
// {prefix}/{jobId}/{filename}. Archival is best effort: the job manager logs
// failures and moves on.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// s3PutAPI is the slice of the S3 client the archiver uses.
type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// New builds the archiver from configuration, or returns (nil, nil) when
// archival is disabled.
func New(ctx context.Context, ac config.ArchiveConfig) (*S3Archiver, error) {
	if !ac.Enabled {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(ac.S3Region)}
	if ac.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(ac.AWSProfile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &S3Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: ac.S3Bucket,
		prefix: ac.Prefix,
	}, nil
}

// Archive uploads the workbook at localPath.
func (a *S3Archiver) Archive(ctx context.Context, jobID, localPath string) error {
	return a.put(ctx, a.client, jobID, localPath)
}

func (a *S3Archiver) put(ctx context.Context, client s3PutAPI, jobID, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading workbook: %w", err)
	}

	key := path.Join(a.prefix, jobID, filepath.Base(localPath))
	start := time.Now()
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"),
	})
	if err != nil {
		return fmt.Errorf("uploading to s3://%s/%s: %w", a.bucket, key, err)
	}

	log.Printf("[Archive] Uploaded %s to s3://%s/%s (%d bytes) in %s",
		jobID, a.bucket, key, len(data), time.Since(start))
	return nil
}
