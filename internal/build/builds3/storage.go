// Package builds3 stores build archives, logs and artifacts in S3.
package builds3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/coordinator"
	"github.com/k11v/kiln/internal/s3util"
)

var _ coordinator.Storage = (*Storage)(nil)

var ErrObjectTooLarge = errors.New("object too large")

type Storage struct {
	client *s3.Client

	// uploadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	uploadPartSize int

	// downloadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	downloadPartSize int
}

func NewStorage(client *s3.Client) *Storage {
	return &Storage{
		client:           client,
		uploadPartSize:   10 * 1024 * 1024, // 10MB
		downloadPartSize: 10 * 1024 * 1024, // 10MB
	}
}

// Upload streams r to the object and waits until it is readable.
func (s *Storage) Upload(ctx context.Context, obj *build.Object, r io.Reader) error {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = int64(s.uploadPartSize)
	})

	key := obj.Key()
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s3util.BucketName,
		Key:    &key,
		Body:   r,
	})
	if err != nil {
		if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityTooLarge" {
			err = errors.Join(ErrObjectTooLarge, err)
		}
		return fmt.Errorf("builds3.Storage: %w", err)
	}

	err = s3.NewObjectExistsWaiter(s.client).Wait(ctx, &s3.HeadObjectInput{
		Bucket: &s3util.BucketName,
		Key:    &key,
	}, time.Minute)
	if err != nil {
		return fmt.Errorf("builds3.Storage: %w", err)
	}

	return nil
}

// Download writes the object to w.
func (s *Storage) Download(ctx context.Context, obj *build.Object, w io.Writer) error {
	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = int64(s.downloadPartSize)
		d.Concurrency = 1
	})

	// fakeWriterAt needs manager.Downloader.Concurrency set to 1.
	key := obj.Key()
	_, err := downloader.Download(ctx, fakeWriterAt{w}, &s3.GetObjectInput{
		Bucket: &s3util.BucketName,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("builds3.Storage: %w", notFound(err))
	}

	return nil
}

// Size returns the object's size in bytes.
func (s *Storage) Size(ctx context.Context, obj *build.Object) (int64, error) {
	key := obj.Key()
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s3util.BucketName,
		Key:    &key,
	})
	if err != nil {
		return 0, fmt.Errorf("builds3.Storage: %w", notFound(err))
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

// notFound joins build.ErrObjectNotFound to errors about missing objects.
// HeadObject reports them as NotFound, GetObject as NoSuchKey.
func notFound(err error) error {
	if noSuchKey := (*types.NoSuchKey)(nil); errors.As(err, &noSuchKey) {
		return errors.Join(build.ErrObjectNotFound, err)
	}
	if notFoundErr := (*types.NotFound)(nil); errors.As(err, &notFoundErr) {
		return errors.Join(build.ErrObjectNotFound, err)
	}
	return err
}

// fakeWriterAt wraps an io.Writer to provide a fake WriteAt method.
// This method simply calls w.Write ignoring the offset parameter.
// It can be used with github.com/aws/aws-sdk-go-v2/feature/s3/manager.Downloader.Download
// if its concurrency is set to 1 because this guarantees the sequential writes.
type fakeWriterAt struct {
	w io.Writer // required
}

func (writerAt fakeWriterAt) WriteAt(p []byte, _ int64) (n int, err error) {
	return writerAt.w.Write(p)
}
