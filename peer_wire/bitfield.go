package peer_wire

import (
	"math"
	"math/bits"
)

//BitField is a big endian piece bitmap, zero based index (bit 7 of byte 0 is
//piece 0).
type BitField []byte

func NewBitField(numPieces int) BitField {
	return make([]byte, int(math.Ceil(float64(numPieces)/8.0)))
}

//Valid tells whether bf has the exact length a torrent with numPieces
//requires and all spare bits zero.
func (bf BitField) Valid(numPieces int) bool {
	if len(bf) != len(NewBitField(numPieces)) {
		return false
	}
	for i := numPieces; i < len(bf)*8; i++ {
		if bf.HasPiece(i) {
			return false
		}
	}
	return true
}

func (bf BitField) HasPiece(i int) bool {
	index := i / 8
	if index < 0 || index >= len(bf) {
		return false
	}
	mask := byte(1 << (7 - i%8))
	return bf[index]&mask > 0
}

func (bf BitField) SetPiece(i int) {
	index := i / 8
	mask := byte(1 << (7 - i%8))
	bf[index] |= mask
}

//FilterNotSet returns the indices of all set bits in ascending order.
func (bf BitField) FilterNotSet() (set []int) {
	for i := 0; i < len(bf)*8; i++ {
		if bf.HasPiece(i) {
			set = append(set, i)
		}
	}
	return
}

func (bf BitField) BitsSet() (sum int) {
	for i := 0; i < len(bf); i++ {
		sum += bits.OnesCount(uint(bf[i]))
	}
	return
}
