package catalogue

import (
	"fmt"
	"sort"

	"modbus-term/internal/script"
)

// Catalogue is the parsed, validated collection of register definitions
// plus contiguous-memory hints. Built once at startup; never mutated.
type Catalogue struct {
	defs    []Definition
	byName  map[string]int
	regions []Region
}

// Build validates defs and regions and returns an immutable Catalogue.
// Scripts attached via OnUpdate are compiled (but not run) here, so a
// syntax error aborts before the poll loop starts, per spec.md §4.2.
func Build(defs []Definition, regions []Region) (*Catalogue, error) {
	c := &Catalogue{
		byName:  make(map[string]int, len(defs)),
		regions: regions,
	}

	for i, d := range defs {
		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("catalogue: duplicate register name %q", d.Name)
		}
		if err := validateDefinition(d); err != nil {
			return nil, fmt.Errorf("catalogue: register %q: %w", d.Name, err)
		}
		if d.OnUpdate != "" {
			if _, err := script.Compile(d.OnUpdate); err != nil {
				return nil, fmt.Errorf("catalogue: register %q on_update: %w", d.Name, err)
			}
		}
		c.byName[d.Name] = i
		c.defs = append(c.defs, d)
	}

	for i := range c.defs {
		a := c.defs[i]
		if a.Virtual {
			continue
		}
		for j := i + 1; j < len(c.defs); j++ {
			b := c.defs[j]
			if b.Virtual {
				continue
			}
			if a.Overlaps(b.SlaveID, b.Function, b.Address, b.Length) {
				return nil, fmt.Errorf("catalogue: %q and %q overlap on slave %d function %d",
					a.Name, b.Name, a.SlaveID, a.Function)
			}
		}
	}

	return c, nil
}

func validateDefinition(d Definition) error {
	if int(d.Address)+d.Length > 65536 {
		return fmt.Errorf("address %d + length %d exceeds 65536", d.Address, d.Length)
	}
	if d.Virtual {
		// virtual registers carry no wire traffic; length is informational only
		return nil
	}
	maxLen := 125
	if d.Function.IsBitwise() {
		maxLen = 2000
	}
	if d.Length < 1 || d.Length > maxLen {
		return fmt.Errorf("length %d outside [1,%d] for function %d", d.Length, maxLen, d.Function)
	}
	if d.Type.IsString() {
		// string byte capacity vs. logical content length is only checkable
		// against an actual value, which a bare definition does not carry;
		// Encode enforces it (ErrBadString) when a value is written.
		return nil
	}
	if width := d.Type.RegisterWidth(); width > 0 && d.Length != width {
		return fmt.Errorf("type %s requires length %d, got %d", d.Type, width, d.Length)
	}
	return nil
}

// LookupByName returns the definition registered under name.
func (c *Catalogue) LookupByName(name string) (Definition, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Definition{}, false
	}
	return c.defs[i], true
}

// Iter returns every definition in declaration order.
func (c *Catalogue) Iter() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Regions returns the declared contiguous regions.
func (c *Catalogue) Regions() []Region {
	out := make([]Region, len(c.regions))
	copy(out, c.regions)
	return out
}

// Overlaps reports whether any non-virtual definition occupies an address
// within [addr, addr+length) on (slave, function).
func (c *Catalogue) Overlaps(slave uint8, fn ReadFunction, addr uint16, length int) bool {
	for _, d := range c.defs {
		if d.Virtual {
			continue
		}
		if d.Overlaps(slave, fn, addr, length) {
			return true
		}
	}
	return false
}

// Find returns the definitions (there may be more than one for writes that
// decompose across several single-register definitions) overlapping
// [addr, addr+length) on (slave, function), sorted by address.
func (c *Catalogue) Find(slave uint8, fn ReadFunction, addr uint16, length int) []Definition {
	var out []Definition
	for _, d := range c.defs {
		if d.Virtual {
			continue
		}
		if d.Overlaps(slave, fn, addr, length) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// RegionCovers reports whether a declared region covers [start, end).
func (c *Catalogue) RegionCovers(slave uint8, fn ReadFunction, start, end uint16) bool {
	for _, r := range c.regions {
		if r.CoversRange(slave, fn, start, end) {
			return true
		}
	}
	return false
}
