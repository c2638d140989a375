package delta

import (
	"fmt"
	"io"

	"github.com/zeebo/xxh3"
)

// blockSig is the signature of one fixed-size basis block: a 32-bit rolling
// checksum for cheap candidate matching and an xxh3-128 strong hash for
// verification.
type blockSig struct {
	index  int
	strong [16]byte
}

// signature indexes a basis file's blocks by weak checksum. Only full-size
// blocks are indexed; a trailing partial block is never matched and its bytes
// are carried as literals in the delta. The layout is deterministic for a
// given basis and block size.
type signature struct {
	blockSize int
	basisLen  int64
	weak      map[uint32][]blockSig
}

// rollSum is the rsync-style rolling checksum over a fixed window:
// s1 is the byte sum, s2 the sum of running s1 values, both mod 2^16.
type rollSum struct {
	s1, s2 uint32
	window int
}

func newRollSum(window int) *rollSum {
	return &rollSum{window: window}
}

func (r *rollSum) init(block []byte) {
	r.s1, r.s2 = 0, 0
	for i, b := range block {
		r.s1 += uint32(b)
		r.s2 += uint32(len(block)-i) * uint32(b)
	}
	r.s1 &= 0xffff
	r.s2 &= 0xffff
}

// roll slides the window one byte: out leaves, in enters.
func (r *rollSum) roll(out, in byte) {
	r.s1 = (r.s1 - uint32(out) + uint32(in)) & 0xffff
	r.s2 = (r.s2 - uint32(r.window)*uint32(out) + r.s1) & 0xffff
}

func (r *rollSum) sum() uint32 {
	return r.s1 | r.s2<<16
}

// buildSignature reads the basis stream and indexes every full block.
func buildSignature(r io.Reader, blockSize int) (*signature, error) {
	sig := &signature{
		blockSize: blockSize,
		weak:      make(map[uint32][]blockSig),
	}

	buf := make([]byte, blockSize)
	rs := newRollSum(blockSize)
	index := 0
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sig.basisLen += int64(n)
		}
		if n == blockSize {
			rs.init(buf)
			sig.weak[rs.sum()] = append(sig.weak[rs.sum()], blockSig{
				index:  index,
				strong: xxh3.Hash128(buf).Bytes(),
			})
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read basis: %w", err)
		}
	}
	return sig, nil
}

// match returns the basis block index whose strong hash matches block, or -1.
func (sig *signature) match(weak uint32, block []byte) int {
	candidates, ok := sig.weak[weak]
	if !ok {
		return -1
	}
	strong := xxh3.Hash128(block).Bytes()
	for _, c := range candidates {
		if c.strong == strong {
			return c.index
		}
	}
	return -1
}
