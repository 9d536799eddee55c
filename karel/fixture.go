package karel

import (
	"fmt"
	"io"

	"sigs.k8s.io/yaml"

	"github.com/Caszual/Kvm/world"
)

// yamlFixture is the on-disk shape of a world fixture: a human-editable
// stand-in for the binary load_world/read_world arrays required by §6,
// used by tests and the CLI host's --world flag (SPEC_FULL.md DS-2).
type yamlFixture struct {
	Karel yamlKarel `json:"karel"`
	City  []string  `json:"city"`
}

type yamlKarel struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Dir   string `json:"dir"`
	HomeX int    `json:"home_x"`
	HomeY int    `json:"home_y"`
}

var dirLetters = map[int]string{
	world.North: "N",
	world.East:  "E",
	world.South: "S",
	world.West:  "W",
}

var lettersToDir = map[string]int{
	"N": world.North,
	"E": world.East,
	"S": world.South,
	"W": world.West,
}

// LoadWorldYAML parses a YAML fixture and loads it the same way LoadWorld
// does, blocking until any in-progress run ends.
func (v *VM) LoadWorldYAML(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	var fx yamlFixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return err
	}
	if len(fx.City) != world.Size {
		return fmt.Errorf("fixture city has %d rows, want %d", len(fx.City), world.Size)
	}

	var cityBytes [world.Size * world.Size]byte
	for y, row := range fx.City {
		if len(row) != world.Size {
			return fmt.Errorf("fixture city row %d has %d columns, want %d", y, len(row), world.Size)
		}
		for x := 0; x < world.Size; x++ {
			sq, err := squareForChar(row[x])
			if err != nil {
				return err
			}
			cityBytes[x+y*world.Size] = sq
		}
	}

	dir, ok := lettersToDir[fx.Karel.Dir]
	if !ok {
		return fmt.Errorf("fixture karel.dir %q is not one of N/E/S/W", fx.Karel.Dir)
	}
	karelTuple := [5]uint32{
		uint32(fx.Karel.X), uint32(fx.Karel.Y), uint32(dir),
		uint32(fx.Karel.HomeX), uint32(fx.Karel.HomeY),
	}

	return v.LoadWorld(cityBytes, karelTuple)
}

// DumpWorldYAML is the inverse of LoadWorldYAML, reading through
// ReadWorld's same best-effort snapshot semantics.
func (v *VM) DumpWorldYAML(w io.Writer) error {
	cityBytes, karelTuple, err := v.ReadWorld()
	if err != nil {
		return err
	}

	fx := yamlFixture{
		Karel: yamlKarel{
			X:     int(karelTuple[0]),
			Y:     int(karelTuple[1]),
			Dir:   dirLetters[int(karelTuple[2])],
			HomeX: int(karelTuple[3]),
			HomeY: int(karelTuple[4]),
		},
		City: make([]string, world.Size),
	}
	for y := 0; y < world.Size; y++ {
		row := make([]byte, world.Size)
		for x := 0; x < world.Size; x++ {
			row[x] = charForSquare(cityBytes[x+y*world.Size])
		}
		fx.City[y] = string(row)
	}

	raw, err := yaml.Marshal(fx)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// charForSquare renders a square's external byte value (0..8, or 255 for
// a wall) as one fixture character: '.' for empty, a digit for a flag
// count, '#' for a wall.
func charForSquare(v byte) byte {
	switch {
	case v == 255:
		return '#'
	case v == 0:
		return '.'
	default:
		return '0' + v
	}
}

// squareForChar is charForSquare's inverse; it also accepts '0' as an
// alternate spelling of empty so hand-written fixtures need not choose.
func squareForChar(ch byte) (byte, error) {
	switch {
	case ch == '#':
		return 255, nil
	case ch == '.':
		return 0, nil
	case ch >= '0' && ch <= '8':
		return ch - '0', nil
	default:
		return 0, fmt.Errorf("invalid city character %q", ch)
	}
}
