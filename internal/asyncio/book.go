// Package asyncio runs blocking asset and storage IO on a bounded worker
// pool and hands results back to the owning loop as completion records.
//
// The contract that keeps the rest of the system single-threaded: workers
// never touch the table model or the asset cache. They download, upload or
// call the storage closure, then publish a Completion; the owner drains
// completions with ProcessCompletedOperations and applies them itself.
package asyncio

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// OpKind classifies an in-flight operation.
type OpKind string

const (
	KindDownload       OpKind = "download"
	KindUpload         OpKind = "upload"
	KindStorageLoad    OpKind = "storage_load"
	KindStorageSave    OpKind = "storage_save"
	KindExternalImport OpKind = "external_import"
)

// Completion is the record published when an operation finishes.
type Completion struct {
	OperationID string
	Kind        OpKind
	Success     bool
	Error       string
	FilePath    string
	Size        int64
	Hash        string
	HashValid   *bool // nil when no expected hash was supplied
	Metadata    map[string]any
}

type operation struct {
	id     string
	kind   OpKind
	cancel context.CancelFunc
}

type job struct {
	op  *operation
	run func(ctx context.Context) Completion
}

// Book is the operation registry plus its worker pool.
type Book struct {
	mu        sync.Mutex
	pending   map[string]*operation
	completed []Completion
	closed    bool

	jobs       chan job
	wg         sync.WaitGroup
	submitters sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	// One pooled HTTP client per book; transfers time out rather than hang.
	client *http.Client
}

// DefaultHTTPTimeout bounds a single upload or download.
const DefaultHTTPTimeout = 60 * time.Second

// New starts a book with the given number of workers.
func New(workers int) *Book {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Book{
		pending: make(map[string]*operation),
		jobs:    make(chan job, 64),
		ctx:     ctx,
		cancel:  cancel,
		client:  &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Book) worker() {
	defer b.wg.Done()
	for j := range b.jobs {
		ctx, cancel := context.WithCancel(b.ctx)
		b.mu.Lock()
		j.op.cancel = cancel
		b.mu.Unlock()

		done := j.run(ctx)
		cancel()

		b.mu.Lock()
		delete(b.pending, j.op.id)
		b.completed = append(b.completed, done)
		b.mu.Unlock()
	}
}

// newOperationID returns an 8-hex-char operation id.
func newOperationID() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(buf[:])
}

func (b *Book) submit(kind OpKind, run func(ctx context.Context, op *operation) Completion) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", fmt.Errorf("operation book closed")
	}
	op := &operation{id: newOperationID(), kind: kind}
	b.pending[op.id] = op
	// Registered while the closed check still holds, so Close waits for this
	// send before it closes the jobs channel.
	b.submitters.Add(1)
	b.mu.Unlock()
	defer b.submitters.Done()

	b.jobs <- job{op: op, run: func(ctx context.Context) Completion {
		return run(ctx, op)
	}}
	return op.id, nil
}

// EnqueueDownload fetches url into destPath. When expectedHash is non-empty
// the downloaded bytes are verified and HashValid set accordingly; callers
// must discard the file on a false HashValid.
func (b *Book) EnqueueDownload(url, destPath, expectedHash string, metadata map[string]any) (string, error) {
	return b.submit(KindDownload, func(ctx context.Context, op *operation) Completion {
		done := Completion{OperationID: op.id, Kind: KindDownload, Metadata: metadata, FilePath: destPath}

		size, hash, err := b.downloadFile(ctx, url, destPath)
		if err != nil {
			done.Error = err.Error()
			return done
		}
		done.Size = size
		done.Hash = hash
		done.Success = true
		if expectedHash != "" {
			valid := hash == expectedHash
			done.HashValid = &valid
			if !valid {
				slog.Warn("download hash mismatch", "operation", op.id,
					"expected", expectedHash, "got", hash)
			}
		}
		return done
	})
}

// EnqueueUpload PUTs filePath to url with the given headers.
func (b *Book) EnqueueUpload(url, filePath string, headers map[string]string, metadata map[string]any) (string, error) {
	return b.submit(KindUpload, func(ctx context.Context, op *operation) Completion {
		done := Completion{OperationID: op.id, Kind: KindUpload, Metadata: metadata, FilePath: filePath}

		size, err := b.uploadFile(ctx, url, filePath, headers)
		if err != nil {
			done.Error = err.Error()
			return done
		}
		done.Size = size
		done.Success = true
		return done
	})
}

// EnqueueStorage runs a persistence closure off the main loop. kind must be
// KindStorageLoad or KindStorageSave.
func (b *Book) EnqueueStorage(kind OpKind, metadata map[string]any, fn func(ctx context.Context) error) (string, error) {
	if kind != KindStorageLoad && kind != KindStorageSave {
		return "", fmt.Errorf("kind %s is not a storage operation", kind)
	}
	return b.submit(kind, func(ctx context.Context, op *operation) Completion {
		done := Completion{OperationID: op.id, Kind: kind, Metadata: metadata}
		if err := fn(ctx); err != nil {
			done.Error = err.Error()
			return done
		}
		done.Success = true
		return done
	})
}

// EnqueueImport runs an external import closure that materializes a file.
func (b *Book) EnqueueImport(metadata map[string]any, fn func(ctx context.Context) (string, error)) (string, error) {
	return b.submit(KindExternalImport, func(ctx context.Context, op *operation) Completion {
		done := Completion{OperationID: op.id, Kind: KindExternalImport, Metadata: metadata}
		path, err := fn(ctx)
		if err != nil {
			done.Error = err.Error()
			return done
		}
		done.FilePath = path
		done.Success = true
		return done
	})
}

// ProcessCompletedOperations drains and returns finished records in
// completion order.
func (b *Book) ProcessCompletedOperations() []Completion {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.completed
	b.completed = nil
	return out
}

// IsBusy reports whether any operation is still pending.
func (b *Book) IsBusy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// Pending returns the ids of in-flight operations.
func (b *Book) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll best-effort cancels every in-flight operation. Cancelled
// operations still surface as (failed) completions.
func (b *Book) CancelAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range b.pending {
		if op.cancel != nil {
			op.cancel()
		}
	}
}

// Close stops accepting work, waits for in-flight operations to finish and
// shuts the pool down. Completions queued at close time remain drainable.
func (b *Book) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.submitters.Wait()
	close(b.jobs)
	b.wg.Wait()
	b.cancel()
}

func (b *Book) downloadFile(ctx context.Context, url, destPath string) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("get: unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, "", fmt.Errorf("create dest dir: %w", err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return 0, "", fmt.Errorf("create dest: %w", err)
	}
	h := xxhash.New()
	size, err := io.Copy(io.MultiWriter(f, h), resp.Body)
	closeErr := f.Close()
	if err != nil {
		os.Remove(destPath)
		return 0, "", fmt.Errorf("write dest: %w", err)
	}
	if closeErr != nil {
		os.Remove(destPath)
		return 0, "", fmt.Errorf("close dest: %w", closeErr)
	}
	return size, fmt.Sprintf("%016x", h.Sum64()), nil
}

func (b *Book) uploadFile(ctx context.Context, url, filePath string, headers map[string]string) (int64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = info.Size()
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("put: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("put: unexpected status %s", resp.Status)
	}
	return info.Size(), nil
}
