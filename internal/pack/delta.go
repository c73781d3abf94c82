package pack

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// The delta instruction stream starts with the base and result lengths
// as 7-bit little-endian varints, followed by copy and insert ops. A
// copy op has the MSB set; its low bits select which offset and length
// bytes follow. Any other non-zero byte inserts that many literal bytes.

// Sizes parses the base and result lengths from the head of a delta
// stream. n is the number of bytes consumed.
func Sizes(delta []byte) (baseLen, resultLen uint64, n int, err error) {
	baseLen, n1 := binary.Uvarint(delta)
	if n1 <= 0 {
		return 0, 0, 0, errors.Wrap(ErrDeltaTruncated, "base length")
	}
	resultLen, n2 := binary.Uvarint(delta[n1:])
	if n2 <= 0 {
		return 0, 0, 0, errors.Wrap(ErrDeltaTruncated, "result length")
	}
	return baseLen, resultLen, n1 + n2, nil
}

// Op is a single decoded delta instruction. Insert is nil for copies.
type Op struct {
	Offset uint32
	Len    uint32
	Insert []byte
}

// Ops decodes the instruction sequence following the size header. It is
// mainly a debugging and testing aid; Apply works directly on the stream.
func Ops(delta []byte) ([]Op, error) {
	_, _, n, err := Sizes(delta)
	if err != nil {
		return nil, err
	}
	delta = delta[n:]

	var ops []Op
	for len(delta) > 0 {
		op, rest, err := readOp(delta)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		delta = rest
	}
	return ops, nil
}

func readOp(delta []byte) (Op, []byte, error) {
	instr := delta[0]
	delta = delta[1:]

	if instr&0x80 == 0 {
		// Insert: the opcode itself is the literal length, 1..127.
		if instr == 0 {
			return Op{}, nil, errors.New("delta: reserved zero instruction")
		}
		n := int(instr)
		if len(delta) < n {
			return Op{}, nil, ErrDeltaTruncated
		}
		return Op{Len: uint32(n), Insert: delta[:n]}, delta[n:], nil
	}

	// Copy: bits 0..3 select offset bytes, bits 4..6 length bytes,
	// little-endian with zero bytes omitted.
	var op Op
	for i, shift := 0, 0; i < 4; i, shift = i+1, shift+8 {
		if instr&(1<<i) == 0 {
			continue
		}
		if len(delta) == 0 {
			return Op{}, nil, ErrDeltaTruncated
		}
		op.Offset |= uint32(delta[0]) << shift
		delta = delta[1:]
	}
	for i, shift := 4, 0; i < 7; i, shift = i+1, shift+8 {
		if instr&(1<<i) == 0 {
			continue
		}
		if len(delta) == 0 {
			return Op{}, nil, ErrDeltaTruncated
		}
		op.Len |= uint32(delta[0]) << shift
		delta = delta[1:]
	}
	if op.Len == 0 {
		op.Len = 0x10000
	}
	return op, delta, nil
}

// Apply reconstructs an object from its base and a delta stream. It
// fails when a copy reaches outside the base, when the stream is
// truncated, or when the produced bytes differ from the advertised
// result length.
func Apply(base, delta []byte) ([]byte, error) {
	baseLen, resultLen, n, err := Sizes(delta)
	if err != nil {
		return nil, err
	}
	if baseLen != uint64(len(base)) {
		return nil, errors.Wrapf(ErrDeltaSizeMismatch, "base is %d bytes, delta expects %d", len(base), baseLen)
	}
	delta = delta[n:]

	result := make([]byte, 0, resultLen)
	for len(delta) > 0 {
		op, rest, err := readOp(delta)
		if err != nil {
			return nil, err
		}
		delta = rest

		if op.Insert != nil {
			result = append(result, op.Insert...)
			continue
		}
		end := uint64(op.Offset) + uint64(op.Len)
		if end > uint64(len(base)) {
			return nil, errors.Wrapf(ErrDeltaOutOfBounds, "copy [%d, %d)", op.Offset, end)
		}
		result = append(result, base[op.Offset:end]...)
		if uint64(len(result)) > resultLen {
			return nil, ErrDeltaSizeMismatch
		}
	}
	if uint64(len(result)) != resultLen {
		return nil, errors.Wrapf(ErrDeltaSizeMismatch, "produced %d bytes, expected %d", len(result), resultLen)
	}
	return result, nil
}

// AppendSizes appends the delta size header for the given base and
// result lengths.
func AppendSizes(dst []byte, baseLen, resultLen uint64) []byte {
	dst = binary.AppendUvarint(dst, baseLen)
	return binary.AppendUvarint(dst, resultLen)
}

// AppendCopy appends a copy instruction.
func AppendCopy(dst []byte, offset, length uint32) []byte {
	if length == 0x10000 {
		length = 0
	}
	instr := byte(0x80)
	pos := len(dst)
	dst = append(dst, 0)
	for i, shift := 0, 0; i < 4; i, shift = i+1, shift+8 {
		if b := byte(offset >> shift); b != 0 {
			instr |= 1 << i
			dst = append(dst, b)
		}
	}
	for i, shift := 4, 0; i < 7; i, shift = i+1, shift+8 {
		if b := byte(length >> shift); b != 0 {
			instr |= 1 << i
			dst = append(dst, b)
		}
	}
	dst[pos] = instr
	return dst
}

// AppendInsert appends insert instructions for data, splitting it into
// the 127-byte runs the format allows.
func AppendInsert(dst []byte, data []byte) []byte {
	for len(data) > 0 {
		n := len(data)
		if n > 127 {
			n = 127
		}
		dst = append(dst, byte(n))
		dst = append(dst, data[:n]...)
		data = data[n:]
	}
	return dst
}
