// Package compiler implements the single-pass Karel-lang compiler: a
// line-oriented lexer and recursive-descent scope compiler that emits
// the bytecode format defined in package bytecode, resolving forward
// symbol references in a link phase once every definition is known.
package compiler

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/Caszual/Kvm/bytecode"
)

// Program is the result of a successful compile: the bytecode buffer and
// the symbol table mapping user-defined names to bytecode addresses.
type Program struct {
	Bytecode []byte
	Symbols  map[string]uint32
}

type lineTok struct {
	num  int
	text string
}

// CompileSource reads line-structured Karel-lang source from r and
// compiles it. It is the streaming counterpart of CompileSourceFromLines.
func CompileSource(r io.Reader) (*Program, error) {
	var toks []lineTok
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if tok, ok := preprocessLine(lineNum, scanner.Text()); ok {
			toks = append(toks, tok)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return compileTokens(toks)
}

// CompileSourceFromLines compiles pre-split source lines directly; handy
// for tests and for hosts that already have the file in memory.
func CompileSourceFromLines(lines []string) (*Program, error) {
	var toks []lineTok
	for i, raw := range lines {
		if tok, ok := preprocessLine(i+1, raw); ok {
			toks = append(toks, tok)
		}
	}
	return compileTokens(toks)
}

// preprocessLine strips the comment (everything from the first ';'
// onward — spec.md's resolved deviation from the reference's last-';'
// search, see SPEC_FULL.md §9), trims whitespace, and reports whether
// anything survives.
func preprocessLine(num int, raw string) (lineTok, bool) {
	if semi := strings.IndexByte(raw, ';'); semi >= 0 {
		raw = raw[:semi]
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return lineTok{}, false
	}
	return lineTok{num: num, text: raw}, true
}

type compileState struct {
	bytecode []byte
	symbols  map[string]uint32
	fixups   map[string][]uint32 // name -> header addresses of pending BRANCH_LINKED slots
}

// compileTokens drives the two-phase compile: emit every top-level
// symbol definition, then resolve forward-reference fixups against the
// now-complete symbol table.
func compileTokens(toks []lineTok) (*Program, error) {
	cs := &compileState{
		// Address 0 is the null-func (STOP), address 1 the noop-func
		// (RETN); neither is named in the symbol table.
		bytecode: bytecode.AppendSimple(
			bytecode.AppendSimple(nil, bytecode.Stop, bytecode.CondNone, false),
			bytecode.Retn, bytecode.CondNone, false,
		),
		symbols: make(map[string]uint32),
		fixups:  make(map[string][]uint32),
	}

	idx := 0
	for idx < len(toks) {
		tok := toks[idx]
		if tok.text == "END" {
			return nil, newErr(ErrUnexpectedEndOfFile, tok.num, tok.text)
		}
		if _, exists := cs.symbols[tok.text]; exists {
			return nil, newErr(ErrSymbolAlreadyDefined, tok.num, tok.text)
		}
		name := tok.text
		idx++

		start := len(cs.bytecode)
		newIdx, err := cs.compileScopeBody(toks, idx)
		if err != nil {
			return nil, err
		}
		idx = newIdx

		if len(cs.bytecode) == start {
			cs.symbols[name] = bytecode.NoopFuncAddr
		} else {
			cs.bytecode = bytecode.AppendSimple(cs.bytecode, bytecode.Retn, bytecode.CondNone, false)
			cs.symbols[name] = uint32(start)
		}
	}

	for name, slots := range cs.fixups {
		addr, ok := cs.symbols[name]
		if !ok {
			addr = bytecode.NoopFuncAddr
		}
		for _, headerAddr := range slots {
			bytecode.PatchTarget(cs.bytecode, headerAddr, addr)
		}
	}

	return &Program{Bytecode: cs.bytecode, Symbols: cs.symbols}, nil
}

// compileScopeBody compiles statements until it consumes a terminating
// "END" line, per spec.md §4.3: "the repeat/until/if constructs consume
// their own terminating END, which signals the nested scope return."
func (cs *compileState) compileScopeBody(toks []lineTok, idx int) (int, error) {
	for {
		if idx >= len(toks) {
			return idx, newErr(ErrUnexpectedEndOfFile, 0, "")
		}
		tok := toks[idx]
		if tok.text == "END" {
			return idx + 1, nil
		}

		newIdx, err := cs.compileStatement(toks, idx)
		if err != nil {
			return idx, err
		}
		idx = newIdx
	}
}

// compileIfThenBody is compileScopeBody's variant for an IF's then-part:
// it also stops (without error) on a bare "ELSE" line belonging to the
// same IF, reporting whether that happened.
func (cs *compileState) compileIfThenBody(toks []lineTok, idx int) (newIdx int, hasElse bool, err error) {
	for {
		if idx >= len(toks) {
			return idx, false, newErr(ErrUnexpectedEndOfFile, 0, "")
		}
		tok := toks[idx]
		if tok.text == "END" {
			return idx + 1, false, nil
		}
		if tok.text == "ELSE" {
			return idx + 1, true, nil
		}

		newIdx, err := cs.compileStatement(toks, idx)
		if err != nil {
			return idx, false, err
		}
		idx = newIdx
	}
}

func (cs *compileState) compileStatement(toks []lineTok, idx int) (int, error) {
	tok := toks[idx]

	switch tok.text {
	case "STEP":
		cs.bytecode = bytecode.AppendSimple(cs.bytecode, bytecode.Step, bytecode.CondNone, false)
		return idx + 1, nil
	case "LEFT":
		cs.bytecode = bytecode.AppendSimple(cs.bytecode, bytecode.Left, bytecode.CondNone, false)
		return idx + 1, nil
	case "PICK":
		cs.bytecode = bytecode.AppendSimple(cs.bytecode, bytecode.PickUp, bytecode.CondNone, false)
		return idx + 1, nil
	case "PLACE":
		cs.bytecode = bytecode.AppendSimple(cs.bytecode, bytecode.Place, bytecode.CondNone, false)
		return idx + 1, nil
	case "STOP":
		cs.bytecode = bytecode.AppendSimple(cs.bytecode, bytecode.Stop, bytecode.CondNone, false)
		return idx + 1, nil
	}

	switch {
	case strings.HasPrefix(tok.text, "REPEAT ") && strings.HasSuffix(tok.text, "-TIMES"):
		return cs.compileRepeat(toks, idx)
	case strings.HasPrefix(tok.text, "UNTIL "):
		return cs.compileUntil(toks, idx)
	case strings.HasPrefix(tok.text, "IF "):
		return cs.compileIf(toks, idx)
	}

	return cs.compileSymbolCall(toks, idx)
}

func (cs *compileState) compileRepeat(toks []lineTok, idx int) (int, error) {
	tok := toks[idx]
	inner := strings.TrimSuffix(strings.TrimPrefix(tok.text, "REPEAT "), "-TIMES")
	n, err := parseRepeatCount(inner)
	if err != nil {
		switch err {
		case errRepeatRange:
			return idx, newErr(ErrRepeatCountTooBig, tok.num, tok.text)
		default:
			return idx, newErr(ErrRepeatCountInvalid, tok.num, tok.text)
		}
	}

	loopTop := uint32(len(cs.bytecode))
	newIdx, err := cs.compileScopeBody(toks, idx+1)
	if err != nil {
		return idx, err
	}
	cs.bytecode = bytecode.AppendRepeat(cs.bytecode, n, loopTop)
	return newIdx, nil
}

func (cs *compileState) compileUntil(toks []lineTok, idx int) (int, error) {
	tok := toks[idx]
	cond, invert, err := parseCond(strings.TrimPrefix(tok.text, "UNTIL "))
	if err != nil {
		return idx, annotate(err, tok)
	}

	// Guard branch: if the predicate already holds, skip the body
	// entirely (zero-or-more semantics). Uses the UNTIL sense unchanged.
	guardAddr := uint32(len(cs.bytecode))
	cs.bytecode = bytecode.AppendBranch(cs.bytecode, bytecode.Branch, cond, invert, 0)

	loopTop := uint32(len(cs.bytecode))
	newIdx, err := cs.compileScopeBody(toks, idx+1)
	if err != nil {
		return idx, err
	}

	// Back-edge: loop while the predicate does NOT hold (natural
	// inversion of the UNTIL sense).
	cs.bytecode = bytecode.AppendBranch(cs.bytecode, bytecode.Branch, cond, !invert, loopTop)
	bytecode.PatchTarget(cs.bytecode, guardAddr, uint32(len(cs.bytecode)))

	return newIdx, nil
}

func (cs *compileState) compileIf(toks []lineTok, idx int) (int, error) {
	tok := toks[idx]
	cond, invert, err := parseCond(strings.TrimPrefix(tok.text, "IF "))
	if err != nil {
		return idx, annotate(err, tok)
	}

	// The taken path must reach the else body, so the branch fires on
	// the logical negation of the IF's own sense.
	branchAddr := uint32(len(cs.bytecode))
	cs.bytecode = bytecode.AppendBranch(cs.bytecode, bytecode.Branch, cond, !invert, 0)

	newIdx, hasElse, err := cs.compileIfThenBody(toks, idx+1)
	if err != nil {
		return idx, err
	}

	if hasElse {
		jmpAddr := uint32(len(cs.bytecode))
		cs.bytecode = bytecode.AppendBranch(cs.bytecode, bytecode.Branch, bytecode.CondNone, false, 0)
		bytecode.PatchTarget(cs.bytecode, branchAddr, uint32(len(cs.bytecode)))

		newIdx, err = cs.compileScopeBody(toks, newIdx)
		if err != nil {
			return idx, err
		}
		bytecode.PatchTarget(cs.bytecode, jmpAddr, uint32(len(cs.bytecode)))
	} else {
		bytecode.PatchTarget(cs.bytecode, branchAddr, uint32(len(cs.bytecode)))
	}

	return newIdx, nil
}

func (cs *compileState) compileSymbolCall(toks []lineTok, idx int) (int, error) {
	name := toks[idx].text
	headerAddr := uint32(len(cs.bytecode))
	cs.bytecode = bytecode.AppendBranch(cs.bytecode, bytecode.BranchLinked, bytecode.CondNone, false, 0)

	if addr, ok := cs.symbols[name]; ok {
		bytecode.PatchTarget(cs.bytecode, headerAddr, addr)
	} else {
		cs.fixups[name] = append(cs.fixups[name], headerAddr)
	}

	return idx + 1, nil
}

var errRepeatRange = strconv.ErrRange

// parseRepeatCount accepts base-10 and, via strconv's base-0 prefix
// detection, 0x/0b/0o literals, rejecting values that overflow u16.
func parseRepeatCount(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		if numErr, ok := err.(*strconv.NumError); ok && numErr.Err == strconv.ErrRange {
			return 0, errRepeatRange
		}
		return 0, err
	}
	return uint16(n), nil
}

// parseCond parses "IS <PRED>" / "ISNOT <PRED>" into a condition code and
// inversion flag.
func parseCond(s string) (bytecode.Cond, bool, error) {
	var invert bool
	var pred string
	switch {
	case strings.HasPrefix(s, "IS "):
		invert = false
		pred = s[len("IS "):]
	case strings.HasPrefix(s, "ISNOT "):
		invert = true
		pred = s[len("ISNOT "):]
	default:
		return 0, false, SentinelUnknownConditionPrefix
	}

	switch pred {
	case "WALL":
		return bytecode.CondIsWall, invert, nil
	case "FLAG":
		return bytecode.CondIsFlag, invert, nil
	case "HOME":
		return bytecode.CondIsHome, invert, nil
	case "NORTH":
		return bytecode.CondIsNorth, invert, nil
	case "EAST":
		return bytecode.CondIsEast, invert, nil
	case "SOUTH":
		return bytecode.CondIsSouth, invert, nil
	case "WEST":
		return bytecode.CondIsWest, invert, nil
	default:
		return 0, false, SentinelUnknownCondition
	}
}

// annotate attaches line context to a bare condition-parse sentinel.
func annotate(err error, tok lineTok) error {
	if e, ok := err.(*Error); ok {
		return newErr(e.Kind, tok.num, tok.text)
	}
	return err
}
