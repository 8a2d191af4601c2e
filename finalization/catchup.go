package finalization

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/Bargsteen/concordium-node/types"
)

const catchUpDedupWindow = 60 * time.Second

// dedupWindow is the lazy priority-search-queue de-duplication window:
// a bounded LRU keyed by signature, with entries older than 60s purged
// on every insert ("lazy PSQ de-duplication").
type dedupWindow struct {
	cache *lru.Cache
}

type dedupEntry struct{ at time.Time }

func newDedupWindow() *dedupWindow {
	c, _ := lru.New(4096)
	return &dedupWindow{cache: c}
}

// Seen records sig at now and reports whether it was already present
// within the window (and therefore should be dropped as a duplicate).
func (d *dedupWindow) Seen(sig types.Signature, now time.Time) bool {
	k := hex.EncodeToString(sig.Data)
	if v, ok := d.cache.Get(k); ok {
		if now.Sub(v.(dedupEntry).at) < catchUpDedupWindow {
			return true
		}
	}
	d.cache.Add(k, dedupEntry{at: now})
	d.purgeExpired(now)
	return false
}

func (d *dedupWindow) purgeExpired(now time.Time) {
	for _, k := range d.cache.Keys() {
		v, ok := d.cache.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.(dedupEntry).at) >= catchUpDedupWindow {
			d.cache.Remove(k)
		}
	}
}

// CatchUpResult is returned from processing an incoming catch-up
// summary.
type CatchUpResult struct {
	Behind           bool
	SkovCatchUpNeeded bool
}

// Summary is the decoded payload of a CatchUpMessage: the sender's
// failed-round signatures plus its current round's WMVBA summary.
type Summary struct {
	FailedRounds []FailedRoundSummary
	CurrentRound *RoundSummary
}

type FailedRoundSummary struct {
	Delta      uint64
	Signatures map[uint32]types.Signature // party -> sig on WeAreDone(false)
}

// RoundSummary is an opaque snapshot of the sender's current WMVBA
// instance (their Seen/DoneReporting/Ballot/Witness state), folded
// into our own instance by processFinalizationSummary.
type RoundSummary struct {
	Delta    uint64
	Messages [][]byte // encoded wmvba.Message payloads
}

// EncodeSummary serializes a Summary for embedding in
// types.CatchUpMessage.Summary.
func EncodeSummary(s *Summary) []byte {
	var buf bytes.Buffer
	var n [4]byte

	binary.BigEndian.PutUint32(n[:], uint32(len(s.FailedRounds)))
	buf.Write(n[:])
	for _, fr := range s.FailedRounds {
		var d [8]byte
		binary.BigEndian.PutUint64(d[:], fr.Delta)
		buf.Write(d[:])
		binary.BigEndian.PutUint32(n[:], uint32(len(fr.Signatures)))
		buf.Write(n[:])
		for party, sig := range fr.Signatures {
			var p [4]byte
			binary.BigEndian.PutUint32(p[:], party)
			buf.Write(p[:])
			sigBytes := make([]byte, types.SignatureSize)
			copy(sigBytes, sig.Data)
			buf.Write(sigBytes)
		}
	}

	if s.CurrentRound == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		var d [8]byte
		binary.BigEndian.PutUint64(d[:], s.CurrentRound.Delta)
		buf.Write(d[:])
		binary.BigEndian.PutUint32(n[:], uint32(len(s.CurrentRound.Messages)))
		buf.Write(n[:])
		for _, msg := range s.CurrentRound.Messages {
			binary.BigEndian.PutUint32(n[:], uint32(len(msg)))
			buf.Write(n[:])
			buf.Write(msg)
		}
	}
	return buf.Bytes()
}

// DecodeSummary parses the encoding produced by EncodeSummary.
func DecodeSummary(data []byte) (*Summary, error) {
	r := bytes.NewReader(data)
	readU32 := func() (uint32, error) {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint32(b[:]), nil
	}
	readU64 := func() (uint64, error) {
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(b[:]), nil
	}

	numFailed, err := readU32()
	if err != nil {
		return nil, errors.New("finalization: truncated summary")
	}
	s := &Summary{}
	for i := uint32(0); i < numFailed; i++ {
		delta, err := readU64()
		if err != nil {
			return nil, errors.New("finalization: truncated summary")
		}
		numSigs, err := readU32()
		if err != nil {
			return nil, errors.New("finalization: truncated summary")
		}
		sigs := make(map[uint32]types.Signature, numSigs)
		for j := uint32(0); j < numSigs; j++ {
			party, err := readU32()
			if err != nil {
				return nil, errors.New("finalization: truncated summary")
			}
			sigBytes := make([]byte, types.SignatureSize)
			if _, err := io.ReadFull(r, sigBytes); err != nil {
				return nil, errors.New("finalization: truncated summary")
			}
			sigs[party] = types.Signature{Data: sigBytes}
		}
		s.FailedRounds = append(s.FailedRounds, FailedRoundSummary{Delta: delta, Signatures: sigs})
	}

	hasCurrent, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("finalization: truncated summary")
	}
	if hasCurrent == 1 {
		delta, err := readU64()
		if err != nil {
			return nil, errors.New("finalization: truncated summary")
		}
		numMsgs, err := readU32()
		if err != nil {
			return nil, errors.New("finalization: truncated summary")
		}
		msgs := make([][]byte, numMsgs)
		for i := uint32(0); i < numMsgs; i++ {
			length, err := readU32()
			if err != nil {
				return nil, errors.New("finalization: truncated summary")
			}
			msg := make([]byte, length)
			if _, err := io.ReadFull(r, msg); err != nil {
				return nil, errors.New("finalization: truncated summary")
			}
			msgs[i] = msg
		}
		s.CurrentRound = &RoundSummary{Delta: delta, Messages: msgs}
	}
	return s, nil
}
