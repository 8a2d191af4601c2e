// Package blobref implements the persistent blob-ref layer (§4.6): a
// Ref[T] with {OnDisk(offset), InMemory(value, cachedOffset)} states
// backed by a single append-only file. Follows a WAL-style
// append-only, length-prefixed, mutex-guarded file discipline,
// generalized from message framing (len ‖ payload ‖ crc32) to blob
// framing (size:u64_be ‖ payload).
package blobref

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	syscallEINTR  = syscall.EINTR
	syscallEAGAIN = syscall.EAGAIN
)

// NullOffset is the sentinel denoting a null reference.
const NullOffset uint64 = ^uint64(0)

// Codec serializes and deserializes the value a Ref carries.
type Codec[T any] interface {
	Encode(v T) []byte
	Decode([]byte) (T, error)
}

// Store is the single append-only file shared by every Ref. Writes and
// reads are guarded by a single mutex, matching §4.6's concurrency
// model exactly.
type Store struct {
	mu   sync.Mutex
	file *os.File
}

func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &Store{file: f}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// retryBackoff bounds the transient-I/O retry a handful of short
// attempts: a local append-only file doesn't need minutes of backoff,
// just enough to ride out an EINTR or a momentarily full buffer.
func retryBackoff() retry.Backoff {
	b := retry.NewExponential(5 * time.Millisecond)
	return retry.WithMaxRetries(4, b)
}

func isRetryable(err error) bool {
	return errors.Is(err, syscallEINTR) || errors.Is(err, syscallEAGAIN)
}

// Append writes size:u64_be ‖ payload and returns the offset the
// record was written at. Transient EINTR/EAGAIN errors are retried
// with a short exponential backoff before giving up. Every attempt
// writes at the end offset the first attempt found, so a retry after a
// partial write overwrites it rather than leaving a torn record in the
// append-only framing every Ref shares.
func (s *Store) Append(payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := int64(-1)
	err := retry.Do(context.Background(), retryBackoff(), func(ctx context.Context) error {
		off := start
		var err error
		if off < 0 {
			off, err = s.file.Seek(0, io.SeekEnd)
		} else {
			_, err = s.file.Seek(off, io.SeekStart)
		}
		if err != nil {
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		start = off
		var header [8]byte
		binary.BigEndian.PutUint64(header[:], uint64(len(payload)))
		if _, err := s.file.Write(header[:]); err != nil {
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		if _, err := s.file.Write(payload); err != nil {
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(start), nil
}

// Read seeks to offset, reads the 8-byte size then the payload, with
// the same short retry as Append for transient I/O errors.
func (s *Store) Read(offset uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	err := retry.Do(context.Background(), retryBackoff(), func(ctx context.Context) error {
		if _, err := s.file.Seek(int64(offset), io.SeekStart); err != nil {
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		var header [8]byte
		if _, err := io.ReadFull(s.file, header[:]); err != nil {
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		size := binary.BigEndian.Uint64(header[:])
		buf := make([]byte, size)
		if _, err := io.ReadFull(s.file, buf); err != nil {
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		payload = buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Ref is a persistent reference to a value of type T: either resolved
// to an on-disk offset, or held in memory (optionally already flushed,
// in which case both the value and its disk offset coexist, shared and
// read-only).
type Ref[T any] struct {
	store *Store
	codec Codec[T]

	onDisk       bool
	offset       uint64
	value        T
	haveValue    bool
	cachedOffset uint64
	haveCached   bool
}

func NewInMemory[T any](store *Store, codec Codec[T], value T) *Ref[T] {
	return &Ref[T]{store: store, codec: codec, value: value, haveValue: true}
}

func NewOnDisk[T any](store *Store, codec Codec[T], offset uint64) *Ref[T] {
	return &Ref[T]{store: store, codec: codec, onDisk: true, offset: offset}
}

var ErrNullRef = errors.New("blobref: null reference")

// Resolve returns the value, reading through to disk (and caching the
// offset on first reference) if it is not already held in memory.
func (r *Ref[T]) Resolve() (T, error) {
	var zero T
	if r.offset == NullOffset && r.onDisk {
		return zero, ErrNullRef
	}
	if r.haveValue {
		return r.value, nil
	}
	raw, err := r.store.Read(r.offset)
	if err != nil {
		return zero, err
	}
	v, err := r.codec.Decode(raw)
	if err != nil {
		return zero, err
	}
	r.value = v
	r.haveValue = true
	r.cachedOffset = r.offset
	r.haveCached = true
	return v, nil
}

// Flush writes an in-memory value through to disk on first reference,
// after which the ref holds both the value and its cached offset.
func (r *Ref[T]) Flush() (uint64, error) {
	if r.haveCached {
		return r.cachedOffset, nil
	}
	if !r.haveValue {
		return 0, errors.New("blobref: no in-memory value to flush")
	}
	payload := r.codec.Encode(r.value)
	offset, err := r.store.Append(payload)
	if err != nil {
		return 0, err
	}
	r.cachedOffset = offset
	r.haveCached = true
	r.onDisk = true
	r.offset = offset
	return offset, nil
}
