package report

import (
	"context"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/boxsweep/boxsweep/internal/config"
	"github.com/pkg/errors"
)

// Archiver stores run reports in an S3-compatible bucket.
type Archiver struct {
	uploader uploadAPI
	bucket   string
	logger   *slog.Logger
}

type uploadAPI interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

func NewArchiver(env config.S3Env, logger *slog.Logger) (*Archiver, error) {
	if logger == nil {
		return nil, errors.New("requires logger")
	}
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(env.Endpoint),
		Region:           aws.String(env.Region),
		Credentials:      credentials.NewStaticCredentials(env.Key, env.Secret, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "building S3 session")
	}
	return &Archiver{
		uploader: s3manager.NewUploader(sess),
		bucket:   env.Bucket,
		logger:   logger,
	}, nil
}

// Archive uploads one CSV report body under key and returns its
// location.
func (a *Archiver) Archive(ctx context.Context, key string, body io.Reader) (string, error) {
	out, err := a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return "", errors.Wrapf(err, "uploading report %s", key)
	}
	a.logger.InfoContext(ctx, "report archived", slog.String("location", out.Location))
	return out.Location, nil
}
