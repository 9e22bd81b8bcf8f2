package snapshot

import (
	"fmt"
	"math/big"
	"time"

	"modbus-term/internal/catalogue"
)

// ScriptView adapts a Store plus its owning Catalogue into the
// script.Register host interface (spec.md §4.8): coercing stored typed
// values to the shape a script asks for, and enforcing access mode on
// writes.
type ScriptView struct {
	store *Store
	cat   *catalogue.Catalogue
	queue *WriteQueue
}

// NewScriptView binds a Store to the Catalogue that defines its registers
// and the WriteQueue that Set() calls enqueue onto.
func NewScriptView(store *Store, cat *catalogue.Catalogue, queue *WriteQueue) *ScriptView {
	return &ScriptView{store: store, cat: cat, queue: queue}
}

func (v *ScriptView) entry(name string) (Entry, error) {
	e, ok := v.store.Get(name)
	if !ok {
		return Entry{}, fmt.Errorf("script: unknown register %q", name)
	}
	if e.Err != nil {
		return Entry{}, fmt.Errorf("script: register %q has no valid value: %w", name, e.Err)
	}
	if e.Value == nil {
		return Entry{}, fmt.Errorf("script: register %q has not been read yet", name)
	}
	return e, nil
}

func (v *ScriptView) GetString(name string) (string, error) {
	e, err := v.entry(name)
	if err != nil {
		return "", err
	}
	switch val := e.Value.(type) {
	case string:
		return val, nil
	case bool:
		if val {
			return "true", nil
		}
		return "false", nil
	case *big.Int:
		return val.String(), nil
	case float64:
		return fmt.Sprintf("%g", val), nil
	default:
		return "", fmt.Errorf("script: register %q value %T has no string coercion", name, e.Value)
	}
}

func (v *ScriptView) GetInt(name string) (int64, error) {
	e, err := v.entry(name)
	if err != nil {
		return 0, err
	}
	switch val := e.Value.(type) {
	case *big.Int:
		if !val.IsInt64() {
			return 0, fmt.Errorf("script: register %q value %s overflows int64", name, val)
		}
		return val.Int64(), nil
	case float64:
		return int64(val), nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("script: register %q value %T has no int coercion", name, e.Value)
	}
}

func (v *ScriptView) GetFloat(name string) (float64, error) {
	e, err := v.entry(name)
	if err != nil {
		return 0, err
	}
	switch val := e.Value.(type) {
	case float64:
		return val, nil
	case *big.Int:
		f := new(big.Float).SetInt(val)
		out, _ := f.Float64()
		return out, nil
	default:
		return 0, fmt.Errorf("script: register %q value %T has no float coercion", name, e.Value)
	}
}

func (v *ScriptView) GetBool(name string) (bool, error) {
	e, err := v.entry(name)
	if err != nil {
		return false, err
	}
	switch val := e.Value.(type) {
	case bool:
		return val, nil
	case *big.Int:
		return val.Sign() != 0, nil
	case float64:
		return val != 0, nil
	default:
		return false, fmt.Errorf("script: register %q value %T has no bool coercion", name, e.Value)
	}
}

// Set validates write access against the catalogue. A virtual register has
// no wire representation, so its value is applied to the store directly;
// any other register's write is enqueued for the poll loop to apply after
// the last burst of its current cycle, since scripts never touch the
// transport directly.
func (v *ScriptView) Set(name string, value any) error {
	def, ok := v.cat.LookupByName(name)
	if !ok {
		return fmt.Errorf("script: unknown register %q", name)
	}
	if !def.Access.Writable() {
		return fmt.Errorf("script: register %q is read-only", name)
	}
	if def.Virtual {
		numeric, isNumeric := numericValue(value)
		v.store.Update(name, value, nil, numeric, isNumeric, time.Now())
		return nil
	}
	v.queue.Push(name, value)
	return nil
}

func numericValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case *big.Int:
		f := new(big.Float).SetInt(val)
		out, _ := f.Float64()
		return out, true
	default:
		return 0, false
	}
}
