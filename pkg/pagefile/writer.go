package pagefile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, 8192)
		return &buf
	},
}

func acquireBuffer() *[]byte { return bufferPool.Get().(*[]byte) }

func releaseBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	bufferPool.Put(buf)
}

// Writer appends framed entries to a single page file, fsync'ing per
// Options.SyncPolicy. The caller is responsible for sealing (renaming)
// the file once it reaches PAGE_SIZE; Writer only ever appends.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	options Options

	batchBytes int64
	count      uint64

	done   chan struct{}
	ticker *time.Ticker
	closed bool
}

// NewWriter opens (creating if absent) the page file at path and writes
// a fresh file header if the file is empty.
func NewWriter(path string, opts Options) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("pagefile: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pagefile: stat %s: %w", path, err)
	}

	w := &Writer{
		file:    f,
		writer:  bufio.NewWriterSize(f, opts.BufferSize),
		options: opts,
		done:    make(chan struct{}),
	}

	if info.Size() == 0 {
		if _, err := f.Write(FileHeader{Version: FileVersion}.Encode()); err != nil {
			f.Close()
			return nil, fmt.Errorf("pagefile: write header: %w", err)
		}
	} else if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	if opts.SyncPolicy == SyncInterval {
		w.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go w.backgroundSync()
	}

	return w, nil
}

// Append frames and writes a single Write's encoded bytes, returning
// once the bytes are in the OS file cache: insert returns after the OS
// cache holds the bytes, fsync follows on its own schedule unless
// SyncEveryWrite is configured.
func (w *Writer) Append(writeBytes []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := acquireBuffer()
	defer releaseBuffer(buf)
	*buf = EncodeEntry((*buf)[:0], writeBytes)

	n, err := w.writer.Write(*buf)
	if err != nil {
		return err
	}
	w.batchBytes += int64(n)
	w.count++

	switch w.options.SyncPolicy {
	case SyncEveryWrite:
		return w.syncLocked()
	case SyncBatch:
		if w.batchBytes >= w.options.SyncBatchBytes {
			return w.syncLocked()
		}
	}
	return nil
}

// Count returns the number of entries appended so far.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.batchBytes = 0
	return w.rewriteCountLocked()
}

// rewriteCountLocked updates the file-level count in the header with
// WriteAt, which leaves the buffered writer's file offset unchanged; it
// only runs immediately after a Flush.
func (w *Writer) rewriteCountLocked() error {
	header := FileHeader{Version: FileVersion, Count: w.count}
	if _, err := w.file.WriteAt(header.Encode(), 0); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *Writer) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			_ = w.Sync()
		case <-w.done:
			return
		}
	}
}

// Size returns the current on-disk size of the page file.
func (w *Writer) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return 0, err
	}
	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}

	if err := w.syncLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Path returns the name the writer's file was opened with.
func (w *Writer) Path() string { return w.file.Name() }
