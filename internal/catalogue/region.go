package catalogue

// Region is an operator-declared contiguous address span on a
// (slave, function) pair, within which gaps between defined registers are
// known to be safely readable (no Illegal Data Address exception).
type Region struct {
	SlaveID  uint8
	Function ReadFunction
	Start    uint16
	End      uint16
}

// Covers reports whether the half-open-ish inclusive span [addr, addr+1) is
// within this region for the given (slave, function).
func (r Region) Covers(slave uint8, fn ReadFunction, addr uint16) bool {
	return r.SlaveID == slave && r.Function == fn && addr >= r.Start && addr <= r.End
}

// CoversRange reports whether every address in [start, end) is covered.
func (r Region) CoversRange(slave uint8, fn ReadFunction, start, end uint16) bool {
	if r.SlaveID != slave || r.Function != fn {
		return false
	}
	return start >= r.Start && end-1 <= r.End
}
