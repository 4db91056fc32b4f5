// Package parity implements the variant set {None, Xor, DualXor, ReedSolomon}
// behind a single interface, per §4.2/§9 ("no virtual dispatch on hot paths
// except once per stripe"). XOR and DualXor are hand-rolled GF(2^8) codes;
// ReedSolomon delegates to github.com/klauspost/reedsolomon, the library the
// pack's erasure-coding example (aistore's ec-putjogger) uses for the same
// purpose.
package parity

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/akkaradb/akkaradb/block"
	"github.com/akkaradb/akkaradb/errs"
)

// Coder is the polymorphic parity contract for a group of k data blocks.
type Coder interface {
	// ParityCount reports m, the number of parity blocks this coder produces.
	ParityCount() int
	// Encode computes m parity blocks from k same-size data blocks.
	Encode(data [][]byte) ([][]byte, error)
	// Decode reconstructs the data blocks named by lostIndices (indices into
	// the logical k-wide data array) given the data/parity blocks that are
	// still present (nil at a lost index). It can recover up to m losses
	// total across data and parity.
	Decode(lostIndices []int, presentData, presentParity [][]byte) ([][]byte, error)
}

// New builds a Coder for k data lanes and m parity lanes.
func New(k, m int) (Coder, error) {
	switch m {
	case 0:
		return noneCoder{}, nil
	case 1:
		return xorCoder{k: k}, nil
	case 2:
		return dualXorCoder{k: k}, nil
	default:
		return newReedSolomon(k, m)
	}
}

func validateBlocks(data [][]byte) error {
	for _, d := range data {
		if len(d) != block.Size {
			return fmt.Errorf("parity: all blocks must be %d bytes", block.Size)
		}
	}
	return nil
}

// --- None (m=0) ---

type noneCoder struct{}

func (noneCoder) ParityCount() int { return 0 }

func (noneCoder) Encode(data [][]byte) ([][]byte, error) {
	if err := validateBlocks(data); err != nil {
		return nil, err
	}
	return nil, nil
}

func (noneCoder) Decode(lostIndices []int, presentData, presentParity [][]byte) ([][]byte, error) {
	if len(lostIndices) > 0 {
		return nil, errs.Wrap(errs.KindParityMismatch, errs.ErrParityMismatch, errs.Unit{})
	}
	return nil, nil
}

// --- Xor (m=1): p = XOR of all data blocks ---

type xorCoder struct{ k int }

func (c xorCoder) ParityCount() int { return 1 }

func (c xorCoder) Encode(data [][]byte) ([][]byte, error) {
	if err := validateBlocks(data); err != nil {
		return nil, err
	}
	p := make([]byte, block.Size)
	for _, d := range data {
		xorInto(p, d)
	}
	return [][]byte{p}, nil
}

func (c xorCoder) Decode(lostIndices []int, presentData, presentParity [][]byte) ([][]byte, error) {
	if len(lostIndices) == 0 {
		return nil, nil
	}
	if len(lostIndices) > 1 || len(presentParity) < 1 || presentParity[0] == nil {
		return nil, errs.Wrap(errs.KindParityMismatch, errs.ErrParityMismatch, errs.Unit{})
	}
	recovered := make([]byte, block.Size)
	copy(recovered, presentParity[0])
	for i, d := range presentData {
		if i == lostIndices[0] || d == nil {
			continue
		}
		xorInto(recovered, d)
	}
	return [][]byte{recovered}, nil
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// --- DualXor (m=2): p1 = sum(data_i), p2 = sum((i+1) * data_i) in GF(2^8) ---

type dualXorCoder struct{ k int }

func (c dualXorCoder) ParityCount() int { return 2 }

func (c dualXorCoder) Encode(data [][]byte) ([][]byte, error) {
	if err := validateBlocks(data); err != nil {
		return nil, err
	}
	p1 := make([]byte, block.Size)
	p2 := make([]byte, block.Size)
	for i, d := range data {
		xorInto(p1, d)
		gfMulAddInto(p2, d, byte(i+1))
	}
	return [][]byte{p1, p2}, nil
}

// Decode reconstructs up to two lost data lanes by solving the 2x2 linear
// system {p1 = sum(x_i), p2 = sum(c_i * x_i)} in GF(2^8) over the unknowns.
func (c dualXorCoder) Decode(lostIndices []int, presentData, presentParity [][]byte) ([][]byte, error) {
	if len(lostIndices) == 0 {
		return nil, nil
	}
	if len(lostIndices) > 2 {
		return nil, errs.Wrap(errs.KindParityMismatch, errs.ErrParityMismatch, errs.Unit{})
	}
	var p1, p2 []byte
	if len(presentParity) > 0 {
		p1 = presentParity[0]
	}
	if len(presentParity) > 1 {
		p2 = presentParity[1]
	}
	// Two lost data lanes need both parity blocks; one lost lane needs either.
	if (p1 == nil && p2 == nil) || (len(lostIndices) == 2 && (p1 == nil || p2 == nil)) {
		return nil, errs.Wrap(errs.KindParityMismatch, errs.ErrParityMismatch, errs.Unit{})
	}

	// Reduce p1, p2 by subtracting (xor/gfMulAdd) the contribution of every
	// present data lane, leaving the contribution of the lost lanes only.
	r1 := make([]byte, block.Size)
	r2 := make([]byte, block.Size)
	copy(r1, p1)
	copy(r2, p2)
	for i, d := range presentData {
		if d == nil {
			continue
		}
		xorInto(r1, d)
		gfMulAddInto(r2, d, byte(i+1))
	}

	if len(lostIndices) == 1 {
		// With p1 present, r1 is the lost lane itself; with only p2, r2 is
		// the lost lane scaled by its coefficient (index+1).
		out := make([]byte, block.Size)
		if p1 != nil {
			copy(out, r1)
		} else {
			coeff := byte(lostIndices[0] + 1)
			for i := range out {
				out[i] = gfDiv(r2[i], coeff)
			}
		}
		return [][]byte{out}, nil
	}

	// Two unknowns x_a (coeff 1, 1) and x_b (coeff 1, c_b): solve
	//   x_a + x_b = r1
	//   c_a*x_a + c_b*x_b = r2
	ca := byte(lostIndices[0] + 1)
	cb := byte(lostIndices[1] + 1)
	// x_b = (r2 - ca*r1) / (cb - ca); addition/subtraction is XOR in GF(2^8).
	denom := ca ^ cb
	if denom == 0 {
		return nil, errs.Wrap(errs.KindParityMismatch, errs.ErrParityMismatch, errs.Unit{})
	}
	xa := make([]byte, block.Size)
	xb := make([]byte, block.Size)
	for i := range xb {
		num := r2[i] ^ gfMul(ca, r1[i])
		xb[i] = gfDiv(num, denom)
		xa[i] = r1[i] ^ xb[i]
	}
	return [][]byte{xa, xb}, nil
}

// GF(2^8) arithmetic, Reed-Solomon-style field with reduction polynomial 0x11D.
var gfExp [512]byte
var gfLog [256]byte

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		gfExp[i] = x
		gfLog[x] = byte(i)
		hi := x & 0x80
		x <<= 1
		if hi != 0 {
			x ^= 0x1D
		}
	}
	for i := 255; i < 512; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfDiv(a, b byte) byte {
	if a == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])-int(gfLog[b])+255]
}

func gfMulAddInto(dst, src []byte, coeff byte) {
	if coeff == 1 {
		xorInto(dst, src)
		return
	}
	for i := range dst {
		dst[i] ^= gfMul(coeff, src[i])
	}
}

// --- ReedSolomon (m>=3): systematic code over GF(2^8) via klauspost/reedsolomon ---

type rsCoder struct {
	k, m int
	enc  reedsolomon.Encoder
}

func newReedSolomon(k, m int) (Coder, error) {
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, fmt.Errorf("parity: building reed-solomon(%d,%d): %w", k, m, err)
	}
	return rsCoder{k: k, m: m, enc: enc}, nil
}

func (c rsCoder) ParityCount() int { return c.m }

func (c rsCoder) Encode(data [][]byte) ([][]byte, error) {
	if err := validateBlocks(data); err != nil {
		return nil, err
	}
	shards := make([][]byte, c.k+c.m)
	copy(shards, data)
	for i := c.k; i < c.k+c.m; i++ {
		shards[i] = make([]byte, block.Size)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("parity: reed-solomon encode: %w", err)
	}
	return shards[c.k:], nil
}

func (c rsCoder) Decode(lostIndices []int, presentData, presentParity [][]byte) ([][]byte, error) {
	if len(lostIndices) == 0 {
		return nil, nil
	}
	shards := make([][]byte, c.k+c.m)
	copy(shards[:c.k], presentData)
	copy(shards[c.k:], presentParity)

	if err := c.enc.Reconstruct(shards); err != nil {
		return nil, errs.Wrap(errs.KindParityMismatch, errs.ErrParityMismatch, errs.Unit{})
	}
	out := make([][]byte, len(lostIndices))
	for i, idx := range lostIndices {
		out[i] = shards[idx]
	}
	return out, nil
}
