package dockerizer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

////////////////////////////////////////////////////////////////////////////////
// Object storage (MinIO / S3): staged result files of result-only problems
////////////////////////////////////////////////////////////////////////////////

// resultStager moves uploaded result files of a submission from the upload
// staging area to the bucket the result-only image reads from.
type resultStager interface {
	PromoteResults(ctx context.Context, submissionID int64) (int, error)
}

type MinIOStorage struct {
	client       *minio.Client
	tempBucket   string
	resultBucket string
	log          sourceLogger
}

func NewMinIOStorage(cfg StorageConfig, logger *appLogger) (*MinIOStorage, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("minio accessKey and secretKey are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client failed: %w", err)
	}
	return &MinIOStorage{
		client:       client,
		tempBucket:   cfg.TempBucket,
		resultBucket: cfg.ResultBucket,
		log:          logger.Source("storage"),
	}, nil
}

// stagedResultPrefix is where uploads of a submission land before promotion.
func stagedResultPrefix(submissionID int64) string {
	return "submissions/" + strconv.FormatInt(submissionID, 10) + "/"
}

// resultPrefix is the object prefix actors of a submission read from.
func resultPrefix(submissionID int64) string {
	return strconv.FormatInt(submissionID, 10) + "/"
}

// PromoteResults copies every staged object and then removes the staged
// copies. It returns the number of objects promoted.
func (s *MinIOStorage) PromoteResults(ctx context.Context, submissionID int64) (int, error) {
	src := stagedResultPrefix(submissionID)
	dst := resultPrefix(submissionID)

	var keys []string
	for obj := range s.client.ListObjects(ctx, s.tempBucket, minio.ListObjectsOptions{Prefix: src, Recursive: true}) {
		if obj.Err != nil {
			return 0, fmt.Errorf("minio list %s/%s failed: %w", s.tempBucket, src, obj.Err)
		}
		keys = append(keys, obj.Key)
	}

	for _, key := range keys {
		target := dst + strings.TrimPrefix(key, src)
		_, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.resultBucket, Object: target},
			minio.CopySrcOptions{Bucket: s.tempBucket, Object: key},
		)
		if err != nil {
			return 0, fmt.Errorf("minio copy %s to %s failed: %w", key, target, err)
		}
	}

	if len(keys) > 0 {
		toRemove := make(chan minio.ObjectInfo, len(keys))
		for _, key := range keys {
			toRemove <- minio.ObjectInfo{Key: key}
		}
		close(toRemove)
		for rmErr := range s.client.RemoveObjects(ctx, s.tempBucket, toRemove, minio.RemoveObjectsOptions{}) {
			// The results are already promoted; a leftover staged copy is harmless.
			s.log.Warnf("remove staged object %s: %v", rmErr.ObjectName, rmErr.Err)
		}
	}
	return len(keys), nil
}
