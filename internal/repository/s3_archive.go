package repository

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/proxylens/proxylens/internal/config"
	"github.com/proxylens/proxylens/internal/model"
)

const archivePutTimeout = 10 * time.Second

type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver keeps a gzip copy of every successfully ingested file.
type S3Archiver struct {
	client s3PutAPI
	bucket string
	prefix string
}

func NewS3Archiver(ctx context.Context, cfg config.ArchiveConfig) (*S3Archiver, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("archive bucket is empty")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3Archiver(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Prefix), nil
}

func newS3Archiver(client s3PutAPI, bucket, prefix string) *S3Archiver {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// ObjectKey is <prefix><upload id>/<file name>.gz.
func (a *S3Archiver) ObjectKey(upload *model.Upload) string {
	name := path.Base(strings.ReplaceAll(upload.Filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload.csv"
	}
	return a.prefix + upload.ID + "/" + name + ".gz"
}

func (a *S3Archiver) Archive(ctx context.Context, upload *model.Upload, data []byte) error {
	body, err := compressText(string(data))
	if err != nil {
		return err
	}

	putCtx, cancel := context.WithTimeout(ctx, archivePutTimeout)
	defer cancel()

	_, err = a.client.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(a.ObjectKey(upload)),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String("text/csv"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			"upload-id": upload.ID,
			"user-id":   upload.UserID,
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, a.ObjectKey(upload), err)
	}
	return nil
}
