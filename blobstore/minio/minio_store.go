// Package minio provides a blobstore.Store backed by any S3-compatible
// endpoint via the MinIO client.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"

	"github.com/synrix/lattice/blobstore"
)

// Store stores blobs as objects under an optional key prefix.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// Options configures a Store.
type Options struct {
	// Prefix is prepended to every object key.
	Prefix string
}

// New creates a Store for the given bucket. The bucket must exist.
func New(client *minio.Client, bucket string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if client == nil {
		return nil, errors.New("minio: nil client")
	}
	if bucket == "" {
		return nil, errors.New("minio: empty bucket")
	}
	return &Store{
		client: client,
		bucket: bucket,
		prefix: opts.Prefix,
	}, nil
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, blobstore.ErrNotFound
		}
		return nil, fmt.Errorf("minio: stat %s: %w", name, err)
	}
	return &objectBlob{
		store: s,
		key:   s.key(name),
		size:  info.Size,
	}, nil
}

func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	pr, pw := io.Pipe()
	w := &objectWriter{pw: pw, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		_, err := s.client.PutObject(ctx, s.bucket, s.key(name), pr, -1, minio.PutObjectOptions{})
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
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("minio: delete %s: %w", name, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.key(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("minio: list: %w", obj.Err)
		}
		names = append(names, strings.TrimPrefix(obj.Key, s.prefix))
	}
	sort.Strings(names)
	return names, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
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
	opts := minio.GetObjectOptions{}
	end := off + int64(len(p)) - 1
	if end >= b.size {
		end = b.size - 1
	}
	if err := opts.SetRange(off, end); err != nil {
		return 0, err
	}
	obj, err := b.store.client.GetObject(context.Background(), b.store.bucket, b.key, opts)
	if err != nil {
		return 0, err
	}
	defer obj.Close()

	n, err := io.ReadFull(obj, p[:end-off+1])
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

// objectWriter streams into a background PutObject through a pipe.
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
