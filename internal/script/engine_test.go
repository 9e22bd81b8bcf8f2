package script

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRegister struct {
	floats map[string]float64
	sets   map[string]any
}

func newFakeRegister() *fakeRegister {
	return &fakeRegister{floats: map[string]float64{}, sets: map[string]any{}}
}

func (f *fakeRegister) GetString(name string) (string, error) { return "", errors.New("unsupported") }
func (f *fakeRegister) GetInt(name string) (int64, error)      { return int64(f.floats[name]), nil }
func (f *fakeRegister) GetFloat(name string) (float64, error)  { return f.floats[name], nil }
func (f *fakeRegister) GetBool(name string) (bool, error)      { return f.floats[name] != 0, nil }
func (f *fakeRegister) Set(name string, value any) error {
	f.sets[name] = value
	return nil
}

func TestCompileSyntaxError(t *testing.T) {
	_, err := Compile("this is not lua (")
	require.Error(t, err)
}

func TestRunSetsDerivedRegister(t *testing.T) {
	reg := newFakeRegister()
	reg.floats["power_w"] = 1500

	c, err := Compile(`
		local kw = C_Register.GetFloat("power_w") / 1000.0
		C_Register.Set("power_kw", kw)
	`)
	require.NoError(t, err)

	eng := NewEngine(reg)
	require.NoError(t, eng.Run(c))
	require.InDelta(t, 1.5, reg.sets["power_kw"], 0.0001)
}

func TestRunPropagatesHostError(t *testing.T) {
	reg := newFakeRegister()
	c, err := Compile(`C_Register.GetFloat("missing")`)
	require.NoError(t, err)

	eng := NewEngine(reg)
	// fakeRegister never errors on GetFloat, so assert a script that calls
	// an unsupported host op surfaces as a runtime error instead.
	c2, err := Compile(`C_Register.GetString("x")`)
	require.NoError(t, err)
	err = eng.Run(c2)
	require.Error(t, err)

	_ = c
}

func TestTimeModuleReportsElapsed(t *testing.T) {
	reg := newFakeRegister()
	c, err := Compile(`
		local s = C_Time.Get()
		local ms = C_Time.GetMs()
		if s < 0 or ms < 0 then error("negative time") end
	`)
	require.NoError(t, err)
	eng := NewEngine(reg)
	require.NoError(t, eng.Run(c))
}
