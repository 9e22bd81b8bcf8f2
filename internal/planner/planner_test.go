package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"modbus-term/internal/catalogue"
	"modbus-term/internal/codec"
)

func mustCatalogue(t *testing.T, defs []catalogue.Definition, regions []catalogue.Region) *catalogue.Catalogue {
	t.Helper()
	c, err := catalogue.Build(defs, regions)
	require.NoError(t, err)
	return c
}

func TestPlannerMergesAcrossContiguousRegion(t *testing.T) {
	defs := []catalogue.Definition{
		{Name: "a", SlaveID: 1, Function: catalogue.FuncInputRegister, Address: 0x4000, Length: 4, Access: catalogue.ReadOnly, Type: codec.U64},
		{Name: "b", SlaveID: 1, Function: catalogue.FuncInputRegister, Address: 0x4008, Length: 2, Access: catalogue.ReadOnly, Type: codec.U32},
	}
	regions := []catalogue.Region{
		{SlaveID: 1, Function: catalogue.FuncInputRegister, Start: 0x4000, End: 0x400A},
	}
	cat := mustCatalogue(t, defs, regions)

	bursts := Plan(cat)
	require.Len(t, bursts, 1)
	require.Equal(t, uint8(1), bursts[0].SlaveID)
	require.Equal(t, catalogue.FuncInputRegister, bursts[0].Function)
	require.Equal(t, uint16(0x4000), bursts[0].Address)
	require.Equal(t, 10, bursts[0].Quantity)
}

func TestPlannerSplitsOnUncoveredGap(t *testing.T) {
	defs := []catalogue.Definition{
		{Name: "a", SlaveID: 1, Function: catalogue.FuncInputRegister, Address: 0x4000, Length: 4, Access: catalogue.ReadOnly, Type: codec.U64},
		{Name: "b", SlaveID: 1, Function: catalogue.FuncInputRegister, Address: 0x4008, Length: 2, Access: catalogue.ReadOnly, Type: codec.U32},
	}
	cat := mustCatalogue(t, defs, nil)

	bursts := Plan(cat)
	require.Len(t, bursts, 2)
	require.Equal(t, uint16(0x4000), bursts[0].Address)
	require.Equal(t, 4, bursts[0].Quantity)
	require.Equal(t, uint16(0x4008), bursts[1].Address)
	require.Equal(t, 2, bursts[1].Quantity)
}

func TestPlannerExcludesVirtualAndWriteOnly(t *testing.T) {
	defs := []catalogue.Definition{
		{Name: "v", SlaveID: 1, Function: catalogue.FuncHoldingRegister, Address: 0, Length: 1, Access: catalogue.ReadWrite, Type: codec.U16, Virtual: true},
		{Name: "w", SlaveID: 1, Function: catalogue.FuncHoldingRegister, Address: 10, Length: 1, Access: catalogue.WriteOnly, Type: codec.U16},
		{Name: "r", SlaveID: 1, Function: catalogue.FuncHoldingRegister, Address: 20, Length: 1, Access: catalogue.ReadOnly, Type: codec.U16},
	}
	cat := mustCatalogue(t, defs, nil)

	bursts := Plan(cat)
	require.Len(t, bursts, 1)
	require.Equal(t, uint16(20), bursts[0].Address)
}

func TestPlannerInvariants(t *testing.T) {
	defs := []catalogue.Definition{
		{Name: "a", SlaveID: 2, Function: catalogue.FuncHoldingRegister, Address: 0, Length: 2, Access: catalogue.ReadOnly, Type: codec.U32},
		{Name: "b", SlaveID: 2, Function: catalogue.FuncHoldingRegister, Address: 2, Length: 2, Access: catalogue.ReadOnly, Type: codec.U32},
		{Name: "c", SlaveID: 2, Function: catalogue.FuncHoldingRegister, Address: 100, Length: 1, Access: catalogue.ReadOnly, Type: codec.U16},
	}
	cat := mustCatalogue(t, defs, nil)
	bursts := Plan(cat)

	for _, b := range bursts {
		for _, d := range b.Defs {
			require.Equal(t, b.SlaveID, d.SlaveID)
			require.Equal(t, b.Function, d.Function)
			require.LessOrEqual(t, b.Address, d.Address)
			require.LessOrEqual(t, int(d.Address)+d.Length, b.EndAddress())
		}
	}

	// no two bursts in the same partition overlap
	for i := 0; i < len(bursts); i++ {
		for j := i + 1; j < len(bursts); j++ {
			a, b := bursts[i], bursts[j]
			if a.SlaveID != b.SlaveID || a.Function != b.Function {
				continue
			}
			overlap := int(a.Address) < b.EndAddress() && int(b.Address) < a.EndAddress()
			require.False(t, overlap)
		}
	}
}
