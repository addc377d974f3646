// Package objectstorage keeps the raw RFC 5322 message bodies in an
// S3-compatible bucket, zstd-compressed. The database only stores
// metadata and the archive key.
package objectstorage

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/valyala/gozstd"

	"github.com/masa23/mailhookd/config"
)

type Archive struct {
	s3Client *s3.S3
	bucket   string
}

func New(conf config.ObjectStorage) *Archive {
	s3session := session.Must(session.NewSession(&aws.Config{
		Region:   aws.String(conf.Region),
		Endpoint: aws.String(conf.Endpoint),
		Credentials: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.StaticProvider{
				Value: credentials.Value{
					AccessKeyID:     conf.AccessKey,
					SecretAccessKey: conf.SecretKey,
				},
			},
		}),
	}))
	return &Archive{
		s3Client: s3.New(s3session),
		bucket:   conf.Bucket,
	}
}

// Upload compresses the message and stores it under key + ".zstd".
// ToDo: streaming compression instead of buffering the whole message
func (a *Archive) Upload(key string, reader io.Reader) error {
	var buf bytes.Buffer
	zw := gozstd.NewWriter(&buf)
	if _, err := io.Copy(zw, reader); err != nil {
		return fmt.Errorf("failed to compress object %s: %w", key, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress object %s: %w", key, err)
	}
	_, err := a.s3Client.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key + ".zstd"),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/zstd"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s to bucket %s: %w", key, a.bucket, err)
	}
	return nil
}

// Download returns the decompressed message body. The caller closes the
// returned reader.
func (a *Archive) Download(key string) (io.ReadCloser, error) {
	resp, err := a.s3Client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key + ".zstd"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download object %s from bucket %s: %w", key, a.bucket, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{
		Reader: gozstd.NewReader(resp.Body),
		Closer: resp.Body,
	}, nil
}

func (a *Archive) Delete(key string) error {
	_, err := a.s3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key + ".zstd"),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s from bucket %s: %w", key, a.bucket, err)
	}
	return nil
}

// GenerateKey builds a timestamped key of the form
// YYYY/MM/DD/HH/mm/ss/UUID so objects shard by receipt time.
func GenerateKey() string {
	now := time.Now()
	return fmt.Sprintf("%04d/%02d/%02d/%02d/%02d/%02d/%s",
		now.Year(), now.Month(), now.Day(),
		now.Hour(), now.Minute(), now.Second(),
		uuid.New().String())
}
