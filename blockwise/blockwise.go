// Package blockwise implements RFC 7959 block-wise transfers: splitting
// an oversized outbound request body into Block1-tagged fragments, and
// reassembling an oversized inbound response body delivered across a
// series of Block2-tagged fragments.
//
// The SZX/NUM/M bit-packing below is ported from the vendored
// plgd-dev/go-coap/v2/net/blockwise reference retained in this
// project's research pack, adapted to drive coap.Message directly
// instead of that library's pooled message type.
package blockwise

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Block option value bit layout (RFC 7959 §2.2):
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3
//	                           |  NUM  |M| SZX |
//	                   |        NUM        |M| SZX |
//	|        NUM                    |M| SZX |
const (
	maxBlockNumber  = 0xffffff >> 4 // 20 bits
	moreFollowingBit = 0x8
	szxMask          = 0x7
)

// Errors returned by EncodeBlockOption/DecodeBlockOption.
var (
	ErrInvalidSZX            = errors.New("blockwise: invalid SZX")
	ErrBlockNumberOutOfRange = errors.New("blockwise: block number exceeds 20 bits")
	ErrInvalidBlockValue     = errors.New("blockwise: block option value out of range")
)

// SZX is the block-size exponent field (RFC 7959 §2.2): block byte
// size is 2^(SZX+4), i.e. 16 through 1024.
type SZX uint8

const (
	SZX16 SZX = iota
	SZX32
	SZX64
	SZX128
	SZX256
	SZX512
	SZX1024
)

var szxSizes = [...]int{16, 32, 64, 128, 256, 512, 1024}

// Size returns the block byte size for this SZX value.
func (s SZX) Size() int {
	if int(s) >= len(szxSizes) {
		return -1
	}
	return szxSizes[s]
}

// SZXForPreferred returns the largest SZX whose size does not exceed
// preferred, clamped to SZX1024 (spec.md §4.C: "clamped by
// preferredBlockSize").
func SZXForPreferred(preferred int) SZX {
	best := SZX16
	for s := SZX16; s <= SZX1024; s++ {
		if s.Size() <= preferred {
			best = s
		}
	}
	return best
}

// EncodeBlockOption packs (szx, blockNumber, moreFollowing) into the
// Block1/Block2 option's uint value.
func EncodeBlockOption(szx SZX, blockNumber int64, moreFollowing bool) (uint32, error) {
	if szx > SZX1024 {
		return 0, ErrInvalidSZX
	}
	if blockNumber < 0 || blockNumber > maxBlockNumber {
		return 0, ErrBlockNumberOutOfRange
	}
	v := uint32(blockNumber) << 4
	if moreFollowing {
		v |= moreFollowingBit
	}
	v |= uint32(szx)
	return v, nil
}

// DecodeBlockOption reverses EncodeBlockOption.
func DecodeBlockOption(v uint32) (szx SZX, blockNumber int64, moreFollowing bool, err error) {
	if v > 0xffffffff {
		return 0, 0, false, ErrInvalidBlockValue
	}
	szx = SZX(v & szxMask)
	moreFollowing = v&moreFollowingBit != 0
	blockNumber = int64(v >> 4)
	if blockNumber > maxBlockNumber {
		return 0, 0, false, ErrBlockNumberOutOfRange
	}
	return szx, blockNumber, moreFollowing, nil
}

// DefaultStatusLifetime is blockwiseStatusLifetime from spec.md §6:
// partial transfer state older than this is discarded and the
// exchange it belongs to fails.
const DefaultStatusLifetime = 10 * time.Minute

// Upload drives an outbound Block1 transfer: the client splits a large
// request payload into SZX-sized fragments and feeds them to the
// caller's request loop one at a time, resuming at a new alignment if
// the server negotiates down to a smaller block size mid-transfer.
type Upload struct {
	mu           sync.Mutex
	payload      []byte
	szx          SZX
	num          int64
	lastProgress time.Time
}

// NewUpload begins a Block1 upload of payload at the given initial SZX.
func NewUpload(payload []byte, szx SZX) *Upload {
	return &Upload{payload: payload, szx: szx, lastProgress: time.Now()}
}

// Next returns the next fragment to send, its Block1 option value, and
// whether more fragments remain after it. ok is a non-nil error once
// the transfer is already complete.
func (u *Upload) Next() (chunk []byte, optionValue uint32, more bool, ok error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	size := u.szx.Size()
	offset := u.num * int64(size)
	if offset >= int64(len(u.payload)) {
		return nil, 0, false, errors.New("blockwise: upload already complete")
	}
	end := offset + int64(size)
	if end > int64(len(u.payload)) {
		end = int64(len(u.payload))
	}
	chunk = u.payload[offset:end]
	more = end < int64(len(u.payload))
	val, err := EncodeBlockOption(u.szx, u.num, more)
	if err != nil {
		return nil, 0, false, err
	}
	return chunk, val, more, nil
}

// SZX returns the block size currently in use, so a caller can detect
// a server-requested decrease before calling Renegotiate.
func (u *Upload) SZX() SZX {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.szx
}

// Advance records that the fragment just returned by Next was
// accepted (2.31 Continue or a final success response), moving to the
// next block number. It must be called exactly once per Next.
func (u *Upload) Advance() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.num++
	u.lastProgress = time.Now()
}

// Renegotiate handles a server-requested size decrease mid-transfer
// (spec.md §4.C: "the client resumes from NUM in the new size, aligning
// to the new boundary"). Because every SZX is a power of two, the byte
// offset of the next block always divides evenly into the new size.
func (u *Upload) Renegotiate(newSZX SZX) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if newSZX > u.szx {
		return errors.New("blockwise: size renegotiation must decrease block size")
	}
	offset := u.num * int64(u.szx.Size())
	if offset%int64(newSZX.Size()) != 0 {
		return errors.New("blockwise: offset does not align to new block size")
	}
	u.num = offset / int64(newSZX.Size())
	u.szx = newSZX
	u.lastProgress = time.Now()
	return nil
}

// Expired reports whether no progress has been made within lifetime.
func (u *Upload) Expired(lifetime time.Duration) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return time.Now().Sub(u.lastProgress) > lifetime
}

// Download drives an inbound Block2 transfer: the client reassembles a
// large response body delivered across a series of GETs, each
// incrementing NUM until the server reports M=0.
type Download struct {
	mu           sync.Mutex
	buf          bytes.Buffer
	szx          SZX
	nextNum      int64
	lastProgress time.Time
	done         bool
}

// NewDownload begins a Block2 download at the given preferred SZX,
// used on the initial early-negotiation request (spec.md §4.C).
func NewDownload(preferredSZX SZX) *Download {
	return &Download{szx: preferredSZX, lastProgress: time.Now()}
}

// NextRequestBlockOption returns the Block2 option value for the next
// request to issue.
func (d *Download) NextRequestBlockOption() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return EncodeBlockOption(d.szx, d.nextNum, false)
}

// Accept appends a fragment received in a response carrying the given
// Block2 option value, returning whether the transfer is now complete.
// It rejects a fragment whose NUM doesn't match what was requested, or
// whose SZX increases mid-transfer (spec.md §4.C: "mixing SZX
// mid-transfer only permitted on size-decrease").
func (d *Download) Accept(optionValue uint32, chunk []byte) (complete bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	szx, num, more, err := DecodeBlockOption(optionValue)
	if err != nil {
		return false, err
	}
	if num != d.nextNum {
		return false, errors.Errorf("blockwise: unexpected block NUM %d, want %d", num, d.nextNum)
	}
	if szx > d.szx {
		return false, errors.New("blockwise: server increased block size mid-transfer")
	}
	d.szx = szx
	d.buf.Write(chunk)
	d.lastProgress = time.Now()

	if !more {
		d.done = true
		return true, nil
	}
	d.nextNum++
	return false, nil
}

// Body returns the reassembled payload. Valid once Accept has reported complete.
func (d *Download) Body() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.buf.Bytes()...)
}

// Expired reports whether no progress has been made within lifetime.
func (d *Download) Expired(lifetime time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Now().Sub(d.lastProgress) > lifetime
}

// Guard bounds the number of concurrent in-flight block transfers an
// exchange may have outstanding at once. The spec describes the
// sequencing invariants but leaves concurrency unbounded; a transfer
// driven one-block-at-a-time only ever needs weight 1, but a guard is
// exposed here so a client issuing several block-wise exchanges
// in parallel (e.g. one per Observe notification requiring Block2
// pagination) can cap total in-flight blocks across all of them.
//
// Grounded on the semaphore.Weighted guard in the vendored
// plgd-dev/go-coap/v2/net/blockwise reference (messageGuard).
type Guard struct {
	sem *semaphore.Weighted
}

// NewGuard creates a Guard allowing at most maxInFlight concurrent blocks.
func NewGuard(maxInFlight int64) *Guard {
	return &Guard{sem: semaphore.NewWeighted(maxInFlight)}
}

// Acquire blocks until a slot is free.
func (g *Guard) Acquire() { _ = g.sem.Acquire(context.Background(), 1) }

// Release frees the slot acquired by Acquire.
func (g *Guard) Release() { g.sem.Release(1) }
