package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSSource serves members stored as objects under a bucket prefix
type GCSSource struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSSource connects to Cloud Storage with application default credentials
func NewGCSSource(ctx context.Context, bucket, prefix string) (*GCSSource, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket not configured")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSSource{
		client: client,
		bucket: client.Bucket(bucket),
		prefix: normalizePrefix(prefix),
	}, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// Members lists member objects under the prefix
func (s *GCSSource) Members(ctx context.Context) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.prefix})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		names = append(names, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	return sortedMembers(names), nil
}

// Open streams one member object
func (s *GCSSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := s.bucket.Object(s.prefix + baseName(name)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, name)
		}
		return nil, fmt.Errorf("open object %s: %w", name, err)
	}
	return r, nil
}

// Close releases the storage client
func (s *GCSSource) Close() error {
	return s.client.Close()
}
