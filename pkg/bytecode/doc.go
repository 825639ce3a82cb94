// Package bytecode defines the compiled form of a generated parser: the
// opcodes of the parsing machine, the Chunk that holds one rule's program,
// and the ClassFile artifact the toolchain writes to the class output.
//
// The format is designed for:
//   - Link-by-name: rule and token references are constants resolved when a
//     class is loaded, so one rule can be recompiled without touching the
//     classes that call it
//   - Deterministic encoding: class files are canonical CBOR, so compiling the
//     same source twice produces the same bytes
//   - Easy inspection: Chunk.Disassemble renders a listing
//
// # The parsing machine
//
// A rule program runs over the token stream with an explicit backtrack stack:
//
//   - OpMatch consumes one token of the type named by its constant
//   - OpCall enters the rule named by its constant, building a child node
//   - OpChoice pushes a backtrack entry for an alternative; OpCommit drops it
//     and jumps past the alternatives
//   - OpFail, or a failed match, resumes at the most recent backtrack entry
//
// Alternatives are ordered: the first one that succeeds wins. Closures loop
// with OpChoice/OpCommit pairs. A class that calls a rule which can match the
// empty input in a closure, or a left-recursive rule, is rejected by the
// toolchain before it gets here.
//
// # Class kinds
//
//   - ClassRule: one parser rule; holds a Chunk
//   - ClassLexer: the token vocabulary and the patterns that recognize it
//   - ClassAdapter: the entry point, the ordered rule list, and the grammar
//     hash; this is the class the isolation scope resolves as the parser
package bytecode
