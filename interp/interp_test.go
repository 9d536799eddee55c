package interp

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/Caszual/Kvm/compiler"
	"github.com/Caszual/Kvm/world"
)

func assert(t *testing.T, cond bool, format string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func compileAndRun(t *testing.T, lines []string, k *world.Karel, c *world.City) (uint64, error) {
	t.Helper()
	p, err := compiler.CompileSourceFromLines(lines)
	assert(t, err == nil, "compile error: %v", err)
	m := NewMachine(p.Bytecode, k, c, nil)
	addr, ok := p.Symbols["MAIN"]
	assert(t, ok, "MAIN not defined")
	return m.Run(addr)
}

func TestStepLeftMatchesSpecScenarioS1(t *testing.T) {
	k := &world.Karel{Dir: world.North}
	var c world.City

	_, err := compileAndRun(t, []string{
		"MAIN",
		"STEP",
		"LEFT",
		"STEP",
		"END",
	}, k, &c)
	assert(t, errors.Is(err, SentinelStopEncountered) == false, "unexpected error: %v", err)
	assert(t, err == nil, "run failed: %v", err)
	assert(t, k.X == 1 && k.Y == 1, "position = (%d,%d), want (1,1)", k.X, k.Y)
	assert(t, k.Dir == world.East, "dir = %d, want East", k.Dir)
}

func TestStepIntoWallIsOutOfBounds(t *testing.T) {
	k := &world.Karel{X: 0, Y: 0, Dir: world.North}
	var c world.City
	c.SetSquare(0, 1, world.WallValue)

	_, err := compileAndRun(t, []string{
		"MAIN",
		"STEP",
		"END",
	}, k, &c)
	assert(t, errors.Is(err, SentinelStepOutOfBounds), "expected StepOutOfBounds, got %v", err)
}

func TestStepOffGridIsOutOfBounds(t *testing.T) {
	k := &world.Karel{X: 0, Y: 0, Dir: world.South}
	var c world.City

	_, err := compileAndRun(t, []string{
		"MAIN",
		"STEP",
		"END",
	}, k, &c)
	assert(t, errors.Is(err, SentinelStepOutOfBounds), "expected StepOutOfBounds, got %v", err)
}

func TestUntilWallMatchesSpecScenarioS4(t *testing.T) {
	k := &world.Karel{X: 0, Y: 0, Dir: world.North}
	var c world.City

	_, err := compileAndRun(t, []string{
		"MAIN",
		"UNTIL IS WALL",
		"STEP",
		"END",
		"LEFT",
		"END",
	}, k, &c)
	assert(t, err == nil, "run failed: %v", err)
	assert(t, k.X == 0 && k.Y == 19, "position = (%d,%d), want (0,19)", k.X, k.Y)
	assert(t, k.Dir == world.East, "dir = %d, want East", k.Dir)
}

func TestPickupZeroFlagsIsError(t *testing.T) {
	k := &world.Karel{}
	var c world.City

	_, err := compileAndRun(t, []string{
		"MAIN",
		"PICK",
		"END",
	}, k, &c)
	assert(t, errors.Is(err, SentinelPickupZeroFlags), "expected PickupZeroFlags, got %v", err)
}

func TestPlaceMaxFlagsIsError(t *testing.T) {
	k := &world.Karel{}
	var c world.City
	c.SetSquare(0, 0, world.MaxFlags)

	_, err := compileAndRun(t, []string{
		"MAIN",
		"PLACE",
		"END",
	}, k, &c)
	assert(t, errors.Is(err, SentinelPlaceMaxFlags), "expected PlaceMaxFlags, got %v", err)
}

func TestPickThenPlaceRoundTrips(t *testing.T) {
	k := &world.Karel{}
	var c world.City
	c.SetSquare(0, 0, 3)

	_, err := compileAndRun(t, []string{
		"MAIN",
		"PICK",
		"PLACE",
		"END",
	}, k, &c)
	assert(t, err == nil, "run failed: %v", err)
	assert(t, c.GetSquare(0, 0) == 3, "square = %d, want 3", c.GetSquare(0, 0))
}

func TestRepeatRunsExactCount(t *testing.T) {
	k := &world.Karel{X: 0, Y: 0, Dir: world.North}
	var c world.City

	_, err := compileAndRun(t, []string{
		"MAIN",
		"REPEAT 5-TIMES",
		"STEP",
		"END",
		"END",
	}, k, &c)
	assert(t, err == nil, "run failed: %v", err)
	assert(t, k.Y == 5, "y = %d, want 5", k.Y)
}

func TestNestedRepeatRunsProductOfCounts(t *testing.T) {
	k := &world.Karel{X: 0, Y: 0, Dir: world.North}
	var c world.City

	_, err := compileAndRun(t, []string{
		"MAIN",
		"REPEAT 3-TIMES",
		"REPEAT 2-TIMES",
		"STEP",
		"END",
		"END",
		"END",
	}, k, &c)
	assert(t, err == nil, "run failed: %v", err)
	assert(t, k.Y == 6, "y = %d, want 6", k.Y)
}

func TestSymbolCallAndReturn(t *testing.T) {
	k := &world.Karel{X: 0, Y: 0, Dir: world.North}
	var c world.City

	p, err := compiler.CompileSourceFromLines([]string{
		"MAIN",
		"HOP",
		"HOP",
		"END",
		"HOP",
		"STEP",
		"END",
	})
	assert(t, err == nil, "compile error: %v", err)

	m := NewMachine(p.Bytecode, k, &c, nil)
	_, err = m.Run(p.Symbols["MAIN"])
	assert(t, err == nil, "run failed: %v", err)
	assert(t, k.Y == 2, "y = %d, want 2", k.Y)
}

func TestStopEncounteredIsError(t *testing.T) {
	k := &world.Karel{}
	var c world.City

	_, err := compileAndRun(t, []string{
		"MAIN",
		"STOP",
		"END",
	}, k, &c)
	assert(t, errors.Is(err, SentinelStopEncountered), "expected StopEncountered, got %v", err)
}

func TestCancelledStopsBeforeCompletion(t *testing.T) {
	k := &world.Karel{X: 0, Y: 0, Dir: world.North}
	var c world.City

	p, err := compiler.CompileSourceFromLines([]string{
		"MAIN",
		"REPEAT 50-TIMES",
		"STEP",
		"END",
		"END",
	})
	assert(t, err == nil, "compile error: %v", err)

	var cancel atomic.Bool
	cancel.Store(true)
	m := NewMachine(p.Bytecode, k, &c, &cancel)
	_, err = m.Run(p.Symbols["MAIN"])
	assert(t, errors.Is(err, SentinelCancelled), "expected Cancelled, got %v", err)
}

func TestConditionInversionFlips(t *testing.T) {
	k := &world.Karel{X: 0, Y: 0, Dir: world.North}
	var c world.City
	c.SetSquare(0, 1, world.WallValue)

	// ISNOT WALL should be false here, so the branch should NOT fire and
	// the body (which would walk into the wall) must be skipped.
	_, err := compileAndRun(t, []string{
		"MAIN",
		"IF ISNOT WALL",
		"STEP",
		"END",
		"END",
	}, k, &c)
	assert(t, err == nil, "run failed: %v", err)
	assert(t, k.X == 0 && k.Y == 0, "position = (%d,%d), want (0,0) unchanged", k.X, k.Y)
}
