// Package karel is the VM facade: the single entry point a host embeds,
// wiring together package compiler, package interp, and package world
// behind a handle-based API (spec.md's global-singleton question is
// resolved in favor of an opaque handle — see SPEC_FULL.md §9).
package karel

import (
	"bytes"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/Caszual/Kvm/compiler"
	"github.com/Caszual/Kvm/interp"
	"github.com/Caszual/Kvm/world"
)

// LoadedSymbol is one entry of a DumpLoaded diagnostic snapshot.
type LoadedSymbol struct {
	Name string
	Addr uint32
}

// Snapshot is the result of DumpLoaded: the symbol table of the currently
// loaded program, tagged with the instance that produced it so a host
// juggling several VM handles can tell diagnostic dumps apart.
type Snapshot struct {
	Instance uuid.UUID
	Symbols  []LoadedSymbol
}

// VM is one Karel instance: a compiled program, a world, and the atomic
// status of its most recent run. The zero value is not usable; build one
// with New.
type VM struct {
	// id distinguishes instances in host-side logging; it carries no
	// protocol meaning.
	id uuid.UUID

	closed atomic.Bool

	// mu guards bytecode/symbols/validity flags, written only during a
	// load and read during run-symbol and dump-loaded.
	mu            sync.Mutex
	bytecode      []byte
	symbols       map[string]uint32
	bytecodeValid bool
	worldValid    bool

	// runLock is held for the full duration of a run. load and
	// load-world also take it, so they block until any in-progress run
	// ends rather than racing it (spec.md §5's authoritative choice).
	runLock sync.Mutex

	// karel/city are written during load-world and during run; read-world
	// deliberately does not synchronize against either, per spec.md §5's
	// explicitly sanctioned best-effort tear.
	karel world.Karel
	city  world.City

	status atomic.Int32
	cancel atomic.Bool
}

// New builds an initialized, empty VM handle.
func New() *VM {
	v := &VM{id: uuid.New(), symbols: make(map[string]uint32)}
	v.status.Store(int32(Success))
	return v
}

// ID returns the instance's diagnostic identifier.
func (v *VM) ID() uuid.UUID {
	return v.id
}

// Close releases the instance. Every error-returning operation called
// after Close returns SentinelNotInitialized; Status reports
// NotInitialized, and DumpLoaded returns an empty symbol list.
func (v *VM) Close() {
	v.runLock.Lock()
	defer v.runLock.Unlock()
	v.mu.Lock()
	defer v.mu.Unlock()

	v.bytecode = nil
	v.symbols = nil
	v.bytecodeValid = false
	v.worldValid = false
	v.closed.Store(true)
	v.status.Store(int32(NotInitialized))
}

func (v *VM) checkOpen() error {
	if v.closed.Load() {
		return SentinelNotInitialized
	}
	return nil
}

// Load (re)compiles source read from r, discarding any previously loaded
// program. On a compile error the bytecode buffer and symbol table are
// left cleared, never half-populated.
func (v *VM) Load(r io.Reader) error {
	if err := v.checkOpen(); err != nil {
		return err
	}

	prog, compileErr := compiler.CompileSource(r)

	v.runLock.Lock()
	defer v.runLock.Unlock()
	v.mu.Lock()
	defer v.mu.Unlock()

	if compileErr != nil {
		v.bytecode = nil
		v.symbols = make(map[string]uint32)
		v.bytecodeValid = false
		return reportUnknown(compileErr)
	}

	v.bytecode = prog.Bytecode
	v.symbols = prog.Symbols
	v.bytecodeValid = true
	return nil
}

// LoadString is a convenience wrapper over Load for in-memory source.
func (v *VM) LoadString(source string) error {
	return v.Load(bytes.NewReader([]byte(source)))
}

// LoadFile compiles the program at path, reporting SentinelFileNotFound
// if it does not exist.
func (v *VM) LoadFile(path string) error {
	if err := v.checkOpen(); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SentinelFileNotFound
		}
		return reportUnknown(err)
	}
	defer f.Close()

	return v.Load(f)
}

// LoadWorld replaces the city and Karel's pose. cityBytes is row-major
// 20x20, one byte per square (0..8 flag count, 255 wall); karelTuple is
// [x, y, dir, home_x, home_y].
func (v *VM) LoadWorld(cityBytes [world.Size * world.Size]byte, karelTuple [5]uint32) error {
	if err := v.checkOpen(); err != nil {
		return err
	}

	v.runLock.Lock()
	defer v.runLock.Unlock()
	v.mu.Lock()
	defer v.mu.Unlock()

	var c world.City
	c.LoadCityBytes(cityBytes)
	v.city = c
	v.karel = world.LoadKarelTuple(karelTuple)
	v.worldValid = true
	return nil
}

// ReadWorld is the inverse of LoadWorld. It is a best-effort snapshot: the
// spec explicitly permits it to observe a torn read while a run is in
// progress. Callers needing a consistent view must cancel first or wait
// for Status to leave InProgress.
func (v *VM) ReadWorld() (cityBytes [world.Size * world.Size]byte, karelTuple [5]uint32, err error) {
	if err = v.checkOpen(); err != nil {
		return
	}
	if !v.worldValid {
		err = SentinelStateNotValid
		return
	}
	cityBytes = v.city.DumpCityBytes()
	karelTuple = world.DumpKarelTuple(v.karel)
	return
}

// RunSymbol begins execution at name and runs to completion, error, or
// cancellation, returning the dispatched instruction count.
func (v *VM) RunSymbol(name string) (uint64, error) {
	if err := v.checkOpen(); err != nil {
		return 0, err
	}

	// Two concurrent RunSymbol calls on the same handle is a misuse the
	// spec asks us to reject rather than queue (§7); a load racing a run
	// instead blocks (see Load/LoadWorld), so TryLock here, not Lock.
	if !v.runLock.TryLock() {
		return 0, SentinelInProgress
	}
	defer v.runLock.Unlock()

	v.mu.Lock()
	if !v.bytecodeValid || !v.worldValid {
		v.mu.Unlock()
		return 0, SentinelStateNotValid
	}
	addr, ok := v.symbols[name]
	code := v.bytecode
	v.mu.Unlock()
	if !ok {
		return 0, SentinelSymbolNotFound
	}

	v.cancel.Store(false)
	v.status.Store(int32(InProgress))

	m := interp.NewMachine(code, &v.karel, &v.city, &v.cancel)
	n, runErr := m.Run(addr)

	v.status.Store(int32(resultFor(runErr)))
	return n, runErr
}

// ShortCircuit cancels an in-progress run and blocks until Status leaves
// InProgress. It is a no-op if no run is active.
func (v *VM) ShortCircuit() error {
	if err := v.checkOpen(); err != nil {
		return err
	}

	v.cancel.Store(true)
	for Result(v.status.Load()) == InProgress {
		runtime.Gosched()
	}
	return nil
}

// Status returns the outcome of the most recent run, or InProgress while
// one is active.
func (v *VM) Status() Result {
	if v.closed.Load() {
		return NotInitialized
	}
	return Result(v.status.Load())
}

// DumpLoaded returns every loaded symbol and its bytecode address, sorted
// by address for deterministic diagnostic output, tagged with this
// instance's identifier.
func (v *VM) DumpLoaded() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	names := maps.Keys(v.symbols)
	out := make([]LoadedSymbol, 0, len(names))
	for _, name := range names {
		out = append(out, LoadedSymbol{Name: name, Addr: v.symbols[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return Snapshot{Instance: v.id, Symbols: out}
}
