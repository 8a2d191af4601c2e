package runner

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Bargsteen/concordium-node/types"
)

// ImportResult summarizes a block-import file replay.
type ImportResult struct {
	Imported int
	Skipped  int
}

// ImportBlocks reads a block-import file — a sequence of
// version:varint ‖ size:u64_be ‖ block_bytes records — and feeds each
// block through the normal receive path. It stops and returns an error
// on the first fatal read error; malformed individual blocks are
// counted as skipped and replay continues, matching the ingress
// table's "malformed: drop, do not propagate" rule.
func (r *Runner) ImportBlocks(src io.Reader) (ImportResult, error) {
	br := newByteReader(src)
	var result ImportResult
	for {
		version, err := binary.ReadUvarint(br)
		if err == io.EOF {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("runner: import file: reading version: %w", err)
		}
		if version != 1 {
			return result, fmt.Errorf("runner: import file: unsupported record version %d", version)
		}

		var sizeBuf [8]byte
		if _, err := io.ReadFull(br, sizeBuf[:]); err != nil {
			return result, fmt.Errorf("runner: import file: reading size: %w", err)
		}
		size := binary.BigEndian.Uint64(sizeBuf[:])

		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			return result, fmt.Errorf("runner: import file: reading block bytes: %w", err)
		}

		reply := make(chan types.UpdateResult, 1)
		r.Submit(InboundMessage{Kind: InboundBlock, Bytes: payload, Reply: reply})
		if <-reply == types.ResultSuccess {
			result.Imported++
		} else {
			result.Skipped++
		}
	}
}

// byteReader adapts an io.Reader to io.ByteReader for
// binary.ReadUvarint without requiring the caller to pass a
// *bufio.Reader.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func newByteReader(r io.Reader) *byteReader { return &byteReader{r: r} }

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

func (b *byteReader) Read(p []byte) (int, error) { return b.r.Read(p) }
