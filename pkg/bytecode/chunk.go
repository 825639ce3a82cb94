package bytecode

import (
	"encoding/binary"
	"fmt"
)

// BytecodeVersion is the current bytecode format version.
// Increment when making incompatible changes to the format.
const BytecodeVersion uint16 = 1

// SourceLocation maps a bytecode offset to the generated source position
// that produced it.
type SourceLocation struct {
	BytecodeOffset uint32 `cbor:"1,keyasint"`
	Line           uint32 `cbor:"2,keyasint"`
	Column         uint16 `cbor:"3,keyasint"`
}

// Chunk is the compiled program of one parser rule.
type Chunk struct {
	Version   uint16           `cbor:"1,keyasint"`
	Code      []byte           `cbor:"2,keyasint"`
	Constants []string         `cbor:"3,keyasint"` // rule and token names referenced by OpCall/OpMatch
	SourceMap []SourceLocation `cbor:"4,keyasint,omitempty"`
}

// NewChunk creates a new empty chunk with the current version.
func NewChunk() *Chunk {
	return &Chunk{
		Version:   BytecodeVersion,
		Code:      make([]byte, 0, 64),
		Constants: make([]string, 0, 8),
	}
}

// AddConstant adds a name to the pool and returns its index.
// If the name already exists, returns the existing index.
func (c *Chunk) AddConstant(value string) uint16 {
	for i, s := range c.Constants {
		if s == value {
			return uint16(i)
		}
	}
	idx := uint16(len(c.Constants))
	c.Constants = append(c.Constants, value)
	return idx
}

// GetConstant returns the constant at the given index.
// Panics if the index is out of bounds.
func (c *Chunk) GetConstant(index uint16) string {
	return c.Constants[index]
}

// Emit appends a single-byte opcode to the code section.
func (c *Chunk) Emit(op Opcode) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	return offset
}

// EmitNamed emits an instruction whose operand is a constant-pool name,
// such as OpMatch or OpCall.
func (c *Chunk) EmitNamed(op Opcode, name string) int {
	idx := c.AddConstant(name)
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op), byte(idx>>8), byte(idx))
	return offset
}

// EmitJump emits a jump-style instruction with a placeholder offset.
// Returns the offset of the placeholder for later patching.
func (c *Chunk) EmitJump(op Opcode) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op), 0xFF, 0xFF)
	return offset + 1
}

// PatchJump patches a placeholder so the jump lands at the current position.
func (c *Chunk) PatchJump(placeholderOffset int) {
	c.PatchJumpTo(placeholderOffset, len(c.Code))
}

// PatchJumpTo patches a placeholder so the jump lands at target.
// Deltas are relative to the end of the instruction.
func (c *Chunk) PatchJumpTo(placeholderOffset int, target int) {
	delta := target - (placeholderOffset + 2)
	c.Code[placeholderOffset] = byte(delta >> 8)
	c.Code[placeholderOffset+1] = byte(delta)
}

// EmitJumpTo emits a jump-style instruction to a known (usually earlier) target.
func (c *Chunk) EmitJumpTo(op Opcode, target int) int {
	placeholder := c.EmitJump(op)
	c.PatchJumpTo(placeholder, target)
	return placeholder - 1
}

// CurrentOffset returns the current offset in the code section.
func (c *Chunk) CurrentOffset() int {
	return len(c.Code)
}

// CodeLen returns the length of the code section.
func (c *Chunk) CodeLen() int {
	return len(c.Code)
}

// ConstantCount returns the number of constants in the pool.
func (c *Chunk) ConstantCount() int {
	return len(c.Constants)
}

// AddSourceLocation records that code at bytecodeOffset came from line:column.
func (c *Chunk) AddSourceLocation(bytecodeOffset uint32, line uint32, column uint16) {
	c.SourceMap = append(c.SourceMap, SourceLocation{
		BytecodeOffset: bytecodeOffset,
		Line:           line,
		Column:         column,
	})
}

// GetSourceLocation returns the source location for a bytecode offset.
// Returns line 0, column 0 if no mapping exists.
func (c *Chunk) GetSourceLocation(offset uint32) (line uint32, column uint16) {
	for i := len(c.SourceMap) - 1; i >= 0; i-- {
		if c.SourceMap[i].BytecodeOffset <= offset {
			return c.SourceMap[i].Line, c.SourceMap[i].Column
		}
	}
	return 0, 0
}

// ReadUint16 reads a big-endian operand at offset.
func (c *Chunk) ReadUint16(offset int) uint16 {
	return binary.BigEndian.Uint16(c.Code[offset:])
}

// ReadInt16 reads a signed big-endian jump delta at offset.
func (c *Chunk) ReadInt16(offset int) int16 {
	return int16(binary.BigEndian.Uint16(c.Code[offset:]))
}

// Verify checks that every instruction is a known opcode with complete
// operands, every constant operand is in range, and every jump lands on an
// instruction boundary inside the code.
func (c *Chunk) Verify() error {
	if c.Version > BytecodeVersion {
		return fmt.Errorf("bytecode version %d is newer than supported version %d", c.Version, BytecodeVersion)
	}

	starts := make(map[int]bool)
	var jumps [][2]int
	for offset := 0; offset < len(c.Code); {
		op := Opcode(c.Code[offset])
		if !op.Valid() {
			return fmt.Errorf("invalid opcode 0x%02X at %04X", byte(op), offset)
		}
		starts[offset] = true
		end := offset + op.InstructionLen()
		if end > len(c.Code) {
			return fmt.Errorf("truncated %s at %04X", op, offset)
		}
		switch GetOpcodeInfo(op).Operand {
		case OperandConst:
			if idx := c.ReadUint16(offset + 1); int(idx) >= len(c.Constants) {
				return fmt.Errorf("%s at %04X: constant %d out of range", op, offset, idx)
			}
		case OperandJump:
			jumps = append(jumps, [2]int{offset, end + int(c.ReadInt16(offset+1))})
		}
		offset = end
	}
	for _, j := range jumps {
		if j[1] != len(c.Code) && !starts[j[1]] {
			return fmt.Errorf("jump at %04X lands at %04X, not an instruction boundary", j[0], j[1])
		}
	}
	return nil
}
