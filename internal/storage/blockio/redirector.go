package blockio

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/yndnr/corestate-go/internal/storage/chunkstore"
)

// Redirector implements chunk redirection over one origin device and a
// shared preserved-chunk store.
type Redirector struct {
	dev       Device
	store     chunkstore.Store
	chunkSize uint32
}

// NewRedirector creates a Redirector for dev with the given chunk size.
func NewRedirector(dev Device, store chunkstore.Store, chunkSize uint32) *Redirector {
	return &Redirector{dev: dev, store: store, chunkSize: chunkSize}
}

// Size returns the origin device size in bytes.
func (r *Redirector) Size() int64 { return r.dev.Size() }

// ChunkSize returns the redirection granularity in bytes.
func (r *Redirector) ChunkSize() uint32 { return r.chunkSize }

// Chunks returns the number of chunks covering the device.
func (r *Redirector) Chunks() uint64 {
	cs := int64(r.chunkSize)
	return uint64((r.dev.Size() + cs - 1) / cs)
}

func (r *Redirector) offset(chunk uint64) (int64, error) {
	off := int64(chunk) * int64(r.chunkSize)
	if chunk >= r.Chunks() {
		return 0, fmt.Errorf("blockio: chunk %d beyond device end", chunk)
	}
	return off, nil
}

// ReadOrigin returns the current contents of chunk. The last chunk of a
// device whose size is not a multiple of the chunk size is short.
func (r *Redirector) ReadOrigin(ctx context.Context, chunk uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	off, err := r.offset(chunk)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, r.chunkSize)
	n, err := r.dev.ReadAt(buf, off)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return nil, fmt.Errorf("blockio: read chunk %d: %w", chunk, err)
	}
	return buf[:n], nil
}

// WriteOrigin writes data to chunk of the origin and syncs the device.
func (r *Redirector) WriteOrigin(ctx context.Context, chunk uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	off, err := r.offset(chunk)
	if err != nil {
		return err
	}
	if _, err := r.dev.WriteAt(data, off); err != nil {
		return fmt.Errorf("blockio: write chunk %d: %w", chunk, err)
	}
	return r.dev.Sync()
}

// PreserveChunk stores data as the preserved contents of slot.
func (r *Redirector) PreserveChunk(ctx context.Context, slot uint64, data []byte) error {
	return r.store.Put(ctx, slot, data)
}

// ReadPreserved returns the preserved contents of slot.
func (r *Redirector) ReadPreserved(ctx context.Context, slot uint64) ([]byte, error) {
	return r.store.Get(ctx, slot)
}

// DiscardPreserved drops the preserved contents of slot.
func (r *Redirector) DiscardPreserved(ctx context.Context, slot uint64) error {
	return r.store.Delete(ctx, slot)
}
