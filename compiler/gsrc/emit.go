package gsrc

import (
	"github.com/chazu/gramlab/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Codegen: rule bodies to parsing machine bytecode
// ---------------------------------------------------------------------------

// CompileRule compiles a rule body into a chunk ending in RETURN.
//
// Ordered choice a | b | c compiles to
//
//	    CHOICE L1
//	    <a>
//	    COMMIT End
//	L1: CHOICE L2
//	    <b>
//	    COMMIT End
//	L2: <c>
//	End:
//
// and e* to L0: CHOICE L1; <e>; COMMIT L0; L1:.
func CompileRule(r *RuleDecl) *bytecode.Chunk {
	c := bytecode.NewChunk()
	compileExpr(c, r.Body)
	c.AddSourceLocation(uint32(c.CurrentOffset()), uint32(r.Line), uint16(r.Column))
	c.Emit(bytecode.OpReturn)
	return c
}

func compileExpr(c *bytecode.Chunk, e *Expr) {
	c.AddSourceLocation(uint32(c.CurrentOffset()), uint32(e.Line), uint16(e.Column))
	switch e.Op {
	case "tok":
		c.EmitNamed(bytecode.OpMatch, e.Name)
	case "ref":
		c.EmitNamed(bytecode.OpCall, e.Name)
	case "any":
		c.Emit(bytecode.OpMatchAny)
	case "seq":
		for _, k := range e.Kids {
			compileExpr(c, k)
		}
	case "alt":
		var exits []int
		last := len(e.Kids) - 1
		for i, k := range e.Kids {
			if i == last {
				compileExpr(c, k)
				break
			}
			choice := c.EmitJump(bytecode.OpChoice)
			compileExpr(c, k)
			exits = append(exits, c.EmitJump(bytecode.OpCommit))
			c.PatchJump(choice)
		}
		for _, p := range exits {
			c.PatchJump(p)
		}
	case "opt":
		choice := c.EmitJump(bytecode.OpChoice)
		compileExpr(c, e.Kids[0])
		commit := c.EmitJump(bytecode.OpCommit)
		c.PatchJump(choice)
		c.PatchJump(commit)
	case "star":
		compileLoop(c, e.Kids[0])
	case "plus":
		compileExpr(c, e.Kids[0])
		compileLoop(c, e.Kids[0])
	}
}

func compileLoop(c *bytecode.Chunk, body *Expr) {
	loop := c.CurrentOffset()
	choice := c.EmitJump(bytecode.OpChoice)
	compileExpr(c, body)
	c.EmitJumpTo(bytecode.OpCommit, loop)
	c.PatchJump(choice)
}
