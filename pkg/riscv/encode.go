// Package riscv synthesizes the small set of RV32/RV64 base instruction
// words the patcher writes into executable sections.
package riscv

import "fmt"

const (
	OpcodeOpImm = 0x13 // addi and friends
	OpcodeJAL   = 0x6F

	// RegZero is x0, hardwired to zero.
	RegZero = 0

	// jumpRange is the J-type reach: offsets live in [-jumpRange, jumpRange).
	jumpRange = 1 << 20
)

// EncodingRangeError is returned when a jump offset cannot be expressed
// by the J-type immediate.
type EncodingRangeError struct {
	Offset int64
}

func (e *EncodingRangeError) Error() string {
	if e.Offset%2 != 0 {
		return fmt.Sprintf("jal offset %#x is not 2-byte aligned", e.Offset)
	}
	return fmt.Sprintf("jal offset %#x out of range [-%#x, %#x)", e.Offset, jumpRange, jumpRange)
}

// Nop returns addi x0, x0, 0.
func Nop() uint32 {
	return OpcodeOpImm
}

// AddZeroImmediate returns addi rd, x0, 0.
func AddZeroImmediate(rd uint32) uint32 {
	return Nop() | (rd&0x1F)<<7
}

// Rd extracts the destination register field, bits 11:7.
func Rd(instr uint32) uint32 {
	return (instr >> 7) & 0x1F
}

// Jump encodes jal x0, dst-src.
func Jump(src, dst uint64) (uint32, error) {
	offset := int64(dst - src)
	if offset%2 != 0 || offset < -jumpRange || offset >= jumpRange {
		return 0, &EncodingRangeError{Offset: offset}
	}
	return encodeJType(OpcodeJAL, RegZero, int32(offset)), nil
}

// encodeJType packs a J-type instruction. imm is taken modulo 2^21 and
// laid out as imm[20|10:1|11|19:12].
func encodeJType(opcode, rd uint32, imm int32) uint32 {
	u := uint32(imm) & (1<<21 - 1)
	return ((u>>20)&0x1)<<31 | // bit 20
		((u>>1)&0x3FF)<<21 | // bits 10:1
		((u>>11)&0x1)<<20 | // bit 11
		((u>>12)&0xFF)<<12 | // bits 19:12
		(rd&0x1F)<<7 | opcode
}
