// Package interp implements the bytecode dispatch loop: a switch-based
// interpreter over the flat instruction stream produced by package
// compiler, operating on a package world Karel/City pair.
package interp

import (
	"sync/atomic"

	"github.com/Caszual/Kvm/bytecode"
	"github.com/Caszual/Kvm/world"
)

// stackPrealloc is the frame depth the call and repeat stacks reserve up
// front; growth beyond it happens lazily on the cold path (spec.md §4.4).
const stackPrealloc = 512

// Machine is one interpreter instance bound to a bytecode buffer and a
// world. It is not safe for concurrent use; package karel serializes runs
// with a mutex.
type Machine struct {
	code   []byte
	karel  *world.Karel
	city   *world.City
	cancel *atomic.Bool

	callStack []uint32

	// repeatOrigins/repeatRemaining hold the saved (origin, remaining)
	// pairs of outer REPEAT loops; the innermost loop's own state lives
	// in curRepeatOrigin/curRepeatRemaining so the hot path never
	// touches the stacks on a straight-line repeat.
	repeatOrigins   []uint32
	repeatRemaining []uint16

	curRepeatOrigin    uint32
	curRepeatValid     bool
	curRepeatRemaining uint16

	depth      int
	instrCount uint64
}

// NewMachine builds an interpreter over code, mutating k and c in place as
// instructions execute. cancel may be nil if cooperative cancellation is
// not needed by the caller.
func NewMachine(code []byte, k *world.Karel, c *world.City, cancel *atomic.Bool) *Machine {
	return &Machine{
		code:            code,
		karel:           k,
		city:            c,
		cancel:          cancel,
		callStack:       make([]uint32, 0, stackPrealloc),
		repeatOrigins:   make([]uint32, 0, stackPrealloc),
		repeatRemaining: make([]uint16, 0, stackPrealloc),
	}
}

// Run executes starting at startAddr until a RETN pops an empty call
// stack (success), a runtime error fires, or the host cancels the run.
// It returns the number of instructions dispatched.
func (m *Machine) Run(startAddr uint32) (uint64, error) {
	pc := startAddr

	for {
		if m.cancel != nil && m.cancel.Load() {
			return m.instrCount, newErr(ErrCancelled, pc)
		}

		header := m.code[pc]
		op, cond, invert := bytecode.DecodeHeader(header)
		m.instrCount++

		switch op {
		case bytecode.Step:
			x, y, ok := world.Step(m.karel)
			if !ok || m.city.IsWall(x, y) {
				return m.instrCount, newErr(ErrStepOutOfBounds, pc)
			}
			m.karel.X, m.karel.Y = x, y
			pc++

		case bytecode.Left:
			m.karel.TurnLeft()
			pc++

		case bytecode.PickUp:
			v := m.city.GetSquare(m.karel.X, m.karel.Y)
			if v == 0 {
				return m.instrCount, newErr(ErrPickupZeroFlags, pc)
			}
			m.city.SetSquare(m.karel.X, m.karel.Y, v-1)
			pc++

		case bytecode.Place:
			v := m.city.GetSquare(m.karel.X, m.karel.Y)
			if v >= world.MaxFlags {
				return m.instrCount, newErr(ErrPlaceMaxFlags, pc)
			}
			m.city.SetSquare(m.karel.X, m.karel.Y, v+1)
			pc++

		case bytecode.Repeat:
			instr := m.code[pc : pc+7]
			n := bytecode.RepeatCount(instr)
			loopTop := bytecode.TargetAddr(instr)

			if !m.curRepeatValid || m.curRepeatOrigin != pc {
				if m.curRepeatValid {
					m.repeatOrigins = append(m.repeatOrigins, m.curRepeatOrigin)
					m.repeatRemaining = append(m.repeatRemaining, m.curRepeatRemaining)
				}
				m.curRepeatOrigin = pc
				m.curRepeatRemaining = n
				m.curRepeatValid = true
				m.depth++
			}

			if m.curRepeatRemaining <= 1 {
				if last := len(m.repeatOrigins) - 1; last >= 0 {
					m.curRepeatOrigin = m.repeatOrigins[last]
					m.curRepeatRemaining = m.repeatRemaining[last]
					m.repeatOrigins = m.repeatOrigins[:last]
					m.repeatRemaining = m.repeatRemaining[:last]
				} else {
					m.curRepeatValid = false
				}
				pc += 7
				m.depth--
			} else {
				m.curRepeatRemaining--
				pc = loopTop
			}

		case bytecode.Branch:
			if m.evalCond(cond, invert) {
				pc = bytecode.TargetAddr(m.code[pc : pc+5])
			} else {
				pc += 5
			}

		case bytecode.BranchLinked:
			target := bytecode.TargetAddr(m.code[pc : pc+5])
			m.callStack = append(m.callStack, pc+5)
			m.depth++
			pc = target

		case bytecode.Retn:
			last := len(m.callStack) - 1
			if last < 0 {
				return m.instrCount, nil
			}
			pc = m.callStack[last]
			m.callStack = m.callStack[:last]
			m.depth--

		case bytecode.Stop:
			return m.instrCount, newErr(ErrStopEncountered, pc)
		}
	}
}

// evalCond evaluates a branch condition's base predicate and applies the
// header's inversion flag by XOR.
func (m *Machine) evalCond(cond bytecode.Cond, invert bool) bool {
	var result bool
	switch cond {
	case bytecode.CondNone:
		result = true
	case bytecode.CondIsWall:
		x, y, ok := world.Step(m.karel)
		result = !ok || m.city.IsWall(x, y)
	case bytecode.CondIsFlag:
		result = m.city.GetSquare(m.karel.X, m.karel.Y) >= 1
	case bytecode.CondIsHome:
		result = m.karel.AtHome()
	case bytecode.CondIsNorth:
		result = m.karel.Dir == world.North
	case bytecode.CondIsEast:
		result = m.karel.Dir == world.East
	case bytecode.CondIsSouth:
		result = m.karel.Dir == world.South
	case bytecode.CondIsWest:
		result = m.karel.Dir == world.West
	}
	return result != invert
}

// Depth reports the interpreter's current logical stack depth (calls plus
// in-flight repeat loops), exposed for diagnostics.
func (m *Machine) Depth() int {
	return m.depth
}
