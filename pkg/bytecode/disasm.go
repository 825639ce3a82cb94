package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable bytecode listing for the chunk.
func (c *Chunk) Disassemble() string {
	return c.DisassembleWithName("")
}

// DisassembleWithName returns a human-readable bytecode listing with a name header.
func (c *Chunk) DisassembleWithName(name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; gramlab bytecode v%d\n", c.Version))

	if len(c.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, s := range c.Constants {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, s))
		}
	}
	sb.WriteString("\n")

	offset := 0
	for offset < len(c.Code) {
		line, instrLen := c.disassembleInstruction(offset)
		if srcLine, srcCol := c.GetSourceLocation(uint32(offset)); srcLine > 0 {
			sb.WriteString(fmt.Sprintf("%04X  %-30s ; line %d:%d\n", offset, line, srcLine, srcCol))
		} else {
			sb.WriteString(fmt.Sprintf("%04X  %s\n", offset, line))
		}
		if instrLen == 0 {
			break
		}
		offset += instrLen
	}

	return sb.String()
}

// disassembleInstruction disassembles a single instruction at the given offset.
// Returns the formatted string and the instruction length.
func (c *Chunk) disassembleInstruction(offset int) (string, int) {
	if offset >= len(c.Code) {
		return "<end of code>", 0
	}

	op := Opcode(c.Code[offset])
	info := GetOpcodeInfo(op)
	if offset+op.InstructionLen() > len(c.Code) {
		return fmt.Sprintf("%s <truncated>", info.Name), 0
	}

	switch info.Operand {
	case OperandConst:
		idx := c.ReadUint16(offset + 1)
		name := "?"
		if int(idx) < len(c.Constants) {
			name = c.Constants[idx]
		}
		return fmt.Sprintf("%-10s %3d ; %s", info.Name, idx, name), 3

	case OperandJump:
		delta := c.ReadInt16(offset + 1)
		target := offset + 3 + int(delta)
		return fmt.Sprintf("%-10s %+d -> %04X", info.Name, delta, target), 3
	}

	return info.Name, 1
}
