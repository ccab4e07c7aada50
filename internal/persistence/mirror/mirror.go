package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Stats struct {
	QueueDepth      int
	QueueCapacity   int
	EnqueuedTotal   uint64
	DroppedTotal    uint64
	UploadedTotal   uint64
	UploadFailTotal uint64
	LastSuccessUnix int64
	LastErrorUnix   int64
}

type Options struct {
	Workers       int
	QueueCapacity int
	// EnqueueWait bounds how long Enqueue blocks on a full queue.
	EnqueueWait   time.Duration
	// RetryFor bounds the retries of one upload.
	RetryFor      time.Duration
}

// Mirror uploads files under root to the bucket, keyed by their path
// relative to root.
type Mirror struct {
	client Putter
	root   string
	prefix string
	log    *log.Logger
	opts   Options

	jobs chan string
	wg   sync.WaitGroup

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	uploaded    atomic.Uint64
	failed      atomic.Uint64
	lastSuccess atomic.Int64
	lastError   atomic.Int64
}

// Putter is the upload side of Client.
type Putter interface {
	PutFile(ctx context.Context, key, localPath string) error
}

func New(client Putter, root, prefix string, opts Options, logger *log.Logger) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.RetryFor <= 0 {
		opts.RetryFor = 2 * time.Minute
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	m := &Mirror{
		client: client,
		root:   root,
		prefix: strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		log:    logger,
		opts:   opts,
		jobs:   make(chan string, opts.QueueCapacity),
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m
}

// Enqueue queues one file. It returns false when the file was dropped
// because the queue stayed full.
func (m *Mirror) Enqueue(localPath string) bool {
	if m == nil {
		return false
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
		return true
	default:
	}
	t := time.NewTimer(m.opts.EnqueueWait)
	defer t.Stop()
	select {
	case m.jobs <- localPath:
		return true
	case <-t.C:
		n := m.dropped.Add(1)
		m.log.Printf("mirror drop local=%s dropped_total=%d", localPath, n)
		return false
	}
}

// EnqueueDir queues every regular file under dir and returns how many
// were queued.
func (m *Mirror) EnqueueDir(dir string) (int, error) {
	if m == nil {
		return 0, nil
	}
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && m.Enqueue(p) {
			n++
		}
		return nil
	})
	return n, err
}

// Close drains the queue and waits for in-flight uploads.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(m.jobs),
		QueueCapacity:   cap(m.jobs),
		EnqueuedTotal:   m.enqueued.Load(),
		DroppedTotal:    m.dropped.Load(),
		UploadedTotal:   m.uploaded.Load(),
		UploadFailTotal: m.failed.Load(),
		LastSuccessUnix: m.lastSuccess.Load(),
		LastErrorUnix:   m.lastError.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.failed.Add(1)
		m.lastError.Store(time.Now().Unix())
		m.log.Printf("mirror skip local=%s err=%v", localPath, err)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = m.opts.RetryFor
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		err := m.client.PutFile(ctx, key, localPath)
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, b); err != nil {
		m.failed.Add(1)
		m.lastError.Store(time.Now().Unix())
		m.log.Printf("mirror upload failed key=%s err=%v", key, err)
		return
	}
	m.uploaded.Add(1)
	m.lastSuccess.Store(time.Now().Unix())
	m.log.Printf("mirror uploaded key=%s", key)
}

// objectKey maps a path under root to prefix/<relative path>.
func (m *Mirror) objectKey(localPath string) (string, error) {
	absRoot, err := filepath.Abs(m.root)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", absLocal, absRoot)
	}
	if m.prefix != "" {
		rel = path.Join(m.prefix, rel)
	}
	return rel, nil
}
