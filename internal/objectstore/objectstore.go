// Package objectstore implements the Storage Dispatcher (spec §4.5's
// object-storage sibling): a separate, lower-priority upload/download
// queue for large content (firmware images, diagnostic bundles) that
// never contends with the message dispatcher's priority queue, with
// progress callbacks for each transfer.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Direction distinguishes an upload from a download transfer.
type Direction int

const (
	Upload Direction = iota
	Download
)

// Progress reports bytes transferred so far for one Transfer.
type Progress struct {
	Name       string
	Direction  Direction
	BytesSent  int64
	TotalBytes int64
}

// ProgressFunc receives incremental Progress updates for a transfer.
type ProgressFunc func(Progress)

// Transfer describes one storage operation.
type Transfer struct {
	Name       string
	Direction  Direction
	URI        string // pre-authenticated storage URI, obtained out of band
	Reader     io.Reader
	Writer     io.Writer
	OnProgress ProgressFunc

	// OnComplete, if set, is invoked once the transfer finishes (err is
	// nil on success), so callers can release messages gated on this
	// URI in the message dispatcher's storage-dependency coordination
	// (spec §3/§4.3) without this package importing the dispatcher.
	OnComplete func(err error)
}

// Dispatcher is the Storage Dispatcher: a single-worker FIFO queue
// kept deliberately separate from the message dispatcher's priority
// queue (spec §4.5), so a large firmware transfer never starves
// latency-sensitive DATA/ALERT messages.
type Dispatcher struct {
	logger *zap.Logger
	client *http.Client

	mu     sync.Mutex
	queue  []Transfer
	cond   *sync.Cond
	closed bool

	wg sync.WaitGroup
}

// NewDispatcher builds a storage dispatcher using client, falling back
// to http.DefaultClient when client is nil.
func NewDispatcher(logger *zap.Logger, client *http.Client) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	d := &Dispatcher{logger: logger.Named("objectstore"), client: client}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Enqueue schedules a transfer for the background worker.
func (d *Dispatcher) Enqueue(t Transfer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("objectstore: dispatcher is closed")
	}
	d.queue = append(d.queue, t)
	d.cond.Signal()
	return nil
}

// Start launches the single background worker that drains the queue
// in FIFO order until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			t, ok := d.next(ctx)
			if !ok {
				return
			}
			err := d.run(ctx, t)
			if err != nil {
				d.logger.Warn("transfer failed", zap.String("name", t.Name), zap.Error(err))
			}
			if t.OnComplete != nil {
				t.OnComplete(err)
			}
		}
	}()
}

func (d *Dispatcher) next(ctx context.Context) (Transfer, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 && !d.closed {
		if ctx.Err() != nil {
			return Transfer{}, false
		}
		d.cond.Wait()
	}
	if ctx.Err() != nil || (len(d.queue) == 0 && d.closed) {
		return Transfer{}, false
	}
	t := d.queue[0]
	d.queue = d.queue[1:]
	return t, true
}

// Stop closes the queue and waits for the worker to drain and exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, t Transfer) error {
	switch t.Direction {
	case Upload:
		return d.upload(ctx, t)
	case Download:
		return d.download(ctx, t)
	default:
		return fmt.Errorf("objectstore: unknown transfer direction")
	}
}

func (d *Dispatcher) upload(ctx context.Context, t Transfer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.URI, &progressReader{r: t.Reader, onProgress: t.OnProgress, name: t.Name, direction: Upload})
	if err != nil {
		return fmt.Errorf("objectstore: build upload request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("objectstore: upload %s: %w", t.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("objectstore: upload %s: status %d", t.Name, resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) download(ctx context.Context, t Transfer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URI, nil)
	if err != nil {
		return fmt.Errorf("objectstore: build download request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("objectstore: download %s: %w", t.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("objectstore: download %s: status %d", t.Name, resp.StatusCode)
	}

	pr := &progressWriter{w: t.Writer, onProgress: t.OnProgress, name: t.Name, direction: Download, total: resp.ContentLength}
	_, err = io.Copy(pr, resp.Body)
	return err
}

type progressReader struct {
	r          io.Reader
	onProgress ProgressFunc
	name       string
	direction  Direction
	sent       int64
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.sent += int64(n)
	if p.onProgress != nil {
		p.onProgress(Progress{Name: p.name, Direction: p.direction, BytesSent: p.sent})
	}
	return n, err
}

type progressWriter struct {
	w          io.Writer
	onProgress ProgressFunc
	name       string
	direction  Direction
	sent       int64
	total      int64
}

func (p *progressWriter) Write(buf []byte) (int, error) {
	n, err := p.w.Write(buf)
	p.sent += int64(n)
	if p.onProgress != nil {
		p.onProgress(Progress{Name: p.name, Direction: p.direction, BytesSent: p.sent, TotalBytes: p.total})
	}
	return n, err
}
