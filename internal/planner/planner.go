// Package planner turns a catalogue into the minimal ordered list of read
// bursts that cover every non-virtual readable definition, per spec.md
// §4.3.
package planner

import (
	"sort"

	"modbus-term/internal/catalogue"
)

// Burst is one planned Modbus read request.
type Burst struct {
	SlaveID  uint8
	Function catalogue.ReadFunction
	Address  uint16
	Quantity int

	// Defs is the ordered subset of definitions this burst satisfies,
	// along with each one's register offset inside the burst payload.
	Defs    []catalogue.Definition
	Offsets []int
}

// EndAddress is the first address past this burst's span.
func (b Burst) EndAddress() int { return int(b.Address) + b.Quantity }

type partitionKey struct {
	slave uint8
	fn    catalogue.ReadFunction
}

// Plan builds the fixed per-cycle read program: one burst list, in
// slave-then-address order, covering exactly the non-virtual
// ReadOnly/ReadWrite definitions of cat. WriteOnly definitions are never
// read and so never appear in a burst.
func Plan(cat *catalogue.Catalogue) []Burst {
	partitions := make(map[partitionKey][]catalogue.Definition)
	var keys []partitionKey

	for _, d := range cat.Iter() {
		if d.Virtual || !d.Access.Readable() {
			continue
		}
		k := partitionKey{d.SlaveID, d.Function}
		if _, ok := partitions[k]; !ok {
			keys = append(keys, k)
		}
		partitions[k] = append(partitions[k], d)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].slave != keys[j].slave {
			return keys[i].slave < keys[j].slave
		}
		return keys[i].fn < keys[j].fn
	})

	var bursts []Burst
	for _, k := range keys {
		defs := partitions[k]
		sort.Slice(defs, func(i, j int) bool { return defs[i].Address < defs[j].Address })
		bursts = append(bursts, mergePartition(cat, k, defs)...)
	}
	return bursts
}

// mergePartition greedily extends a burst across definitions in the same
// partition as long as the gap between them is zero or fully covered by a
// declared contiguous region, and the combined quantity stays within the
// function code's protocol limit.
func mergePartition(cat *catalogue.Catalogue, k partitionKey, defs []catalogue.Definition) []Burst {
	if len(defs) == 0 {
		return nil
	}
	maxQty := k.fn.MaxQuantity()

	var out []Burst
	cur := Burst{SlaveID: k.slave, Function: k.fn, Address: defs[0].Address}
	cur.Quantity = defs[0].Length
	cur.Defs = []catalogue.Definition{defs[0]}
	cur.Offsets = []int{0}

	for _, d := range defs[1:] {
		gapStart := uint16(cur.EndAddress())
		gapEnd := d.Address
		gapCovered := gapEnd == gapStart || cat.RegionCovers(k.slave, k.fn, gapStart, gapEnd)
		extended := int(d.Address) + d.Length

		if gapCovered && extended-int(cur.Address) <= maxQty {
			offset := int(d.Address) - int(cur.Address)
			cur.Defs = append(cur.Defs, d)
			cur.Offsets = append(cur.Offsets, offset)
			if extended > cur.EndAddress() {
				cur.Quantity = extended - int(cur.Address)
			}
			continue
		}

		out = append(out, cur)
		cur = Burst{SlaveID: k.slave, Function: k.fn, Address: d.Address, Quantity: d.Length}
		cur.Defs = []catalogue.Definition{d}
		cur.Offsets = []int{0}
	}
	out = append(out, cur)
	return out
}
