// Package s3 provides a blobstore.Store backed by Amazon S3 using the
// AWS SDK v2.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/synrix/lattice/blobstore"
)

// Store stores blobs as S3 objects under an optional key prefix.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// Options configures a Store.
type Options struct {
	// Prefix is prepended to every object key.
	Prefix string
}

// New creates a Store for the given bucket. The bucket must exist.
func New(client *s3.Client, bucket string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if client == nil {
		return nil, errors.New("s3: nil client")
	}
	if bucket == "" {
		return nil, errors.New("s3: empty bucket")
	}
	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   opts.Prefix,
	}, nil
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blobstore.ErrNotFound
		}
		return nil, fmt.Errorf("s3: head %s: %w", name, err)
	}
	return &objectBlob{
		store: s,
		key:   s.key(name),
		size:  aws.ToInt64(head.ContentLength),
	}, nil
}

func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	pr, pw := io.Pipe()
	w := &objectWriter{pw: pw, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(name)),
			Body:   pr,
		})
		if err != nil {
			pr.CloseWithError(err)
		} else {
			pr.Close()
		}
		w.mu.Lock()
		w.putErr = err
		w.mu.Unlock()
	}()
	return w, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3: delete %s: %w", name, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list: %w", err)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &noSuchKey)
}

// objectBlob reads ranges of a remote object on demand.
type objectBlob struct {
	store *Store
	key   string
	size  int64
}

func (b *objectBlob) ReadAt(p []byte, off int64) (int, error) {
	if off >= b.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= b.size {
		end = b.size - 1
	}
	out, err := b.store.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(b.store.bucket),
		Key:    aws.String(b.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return 0, err
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, p[:end-off+1])
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if err == nil && int64(n) < int64(len(p)) {
		err = io.EOF
	}
	return n, err
}

func (b *objectBlob) Close() error { return nil }

func (b *objectBlob) Size() int64 { return b.size }

// objectWriter streams into a background multipart upload through a pipe.
type objectWriter struct {
	pw   *io.PipeWriter
	done chan struct{}

	mu     sync.Mutex
	putErr error
}

func (w *objectWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }

// Sync is a no-op; durability is decided when the upload completes on Close.
func (w *objectWriter) Sync() error { return nil }

func (w *objectWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.putErr
}
