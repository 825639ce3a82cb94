package bytecode

import "fmt"

// Opcode represents a parsing machine instruction.
// Opcodes are organized into ranges by category.
type Opcode byte

const (
	// ========================================================================
	// Control (0x00-0x0F)
	// ========================================================================

	OpNop Opcode = 0x00 // No operation

	// ========================================================================
	// Token matching (0x10-0x1F)
	// ========================================================================

	OpMatch    Opcode = 0x10 // Consume a token of a named type: OpMatch <name:u16>
	OpMatchAny Opcode = 0x11 // Consume any token except EOF

	// ========================================================================
	// Rule invocation (0x20-0x2F)
	// ========================================================================

	OpCall   Opcode = 0x20 // Enter a named rule: OpCall <name:u16>
	OpReturn Opcode = 0x21 // Leave the current rule successfully

	// ========================================================================
	// Backtracking (0x30-0x3F)
	// ========================================================================

	OpChoice Opcode = 0x30 // Push backtrack entry at ip+delta: OpChoice <delta:i16>
	OpCommit Opcode = 0x31 // Pop backtrack entry, jump to ip+delta: OpCommit <delta:i16>
	OpJump   Opcode = 0x32 // Unconditional jump: OpJump <delta:i16>
	OpFail   Opcode = 0x33 // Fail and resume at the latest backtrack entry
)

// OperandKind describes how an opcode's operand bytes are interpreted.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandConst
	OperandJump
)

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name       string
	OperandLen int
	Operand    OperandKind
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop:      {Name: "NOP"},
	OpMatch:    {Name: "MATCH", OperandLen: 2, Operand: OperandConst},
	OpMatchAny: {Name: "MATCH_ANY"},
	OpCall:     {Name: "CALL", OperandLen: 2, Operand: OperandConst},
	OpReturn:   {Name: "RETURN"},
	OpChoice:   {Name: "CHOICE", OperandLen: 2, Operand: OperandJump},
	OpCommit:   {Name: "COMMIT", OperandLen: 2, Operand: OperandJump},
	OpJump:     {Name: "JUMP", OperandLen: 2, Operand: OperandJump},
	OpFail:     {Name: "FAIL"},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns an OpcodeInfo named "UNKNOWN(0x..)" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes following the opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total instruction length including the opcode byte.
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true for opcodes whose operand is a relative jump.
func (op Opcode) IsJump() bool {
	return GetOpcodeInfo(op).Operand == OperandJump
}
