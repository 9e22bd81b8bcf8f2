// Package config loads the YAML configuration of spec.md §6, grounded on
// the teacher's internal/collector.LoadYAML: read the file, unmarshal with
// gopkg.in/yaml.v3, apply defaults, then validate and translate into a
// built Catalogue plus the poll loop's tunables. ConfigError here is only
// ever raised at startup, before the poll loop or server begins (spec.md
// §7).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"modbus-term/internal/catalogue"
	"modbus-term/internal/codec"
	"modbus-term/internal/persist"
	"modbus-term/internal/transport"
)

// hexOrDecimal is a uint16 that unmarshals from either a plain decimal
// YAML scalar or a 0x-prefixed hex string (spec.md §6).
type hexOrDecimal uint16

func (h *hexOrDecimal) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var n int
		if err2 := value.Decode(&n); err2 != nil {
			return fmt.Errorf("config: address must be a number or string, got %q", value.Value)
		}
		*h = hexOrDecimal(n)
		return nil
	}
	raw = strings.TrimSpace(raw)
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw = raw[2:]
		base = 16
	}
	n, err := strconv.ParseUint(raw, base, 32)
	if err != nil {
		return fmt.Errorf("config: invalid address %q: %w", value.Value, err)
	}
	*h = hexOrDecimal(n)
	return nil
}

// Range is a contiguous region's [start, end] span; end is inclusive.
type Range struct {
	Start hexOrDecimal `yaml:"start"`
	End   hexOrDecimal `yaml:"end"`
}

// ContiguousMemory mirrors one entry of the config's contiguous_memory
// list.
type ContiguousMemory struct {
	SlaveID  *uint8 `yaml:"slave_id"`
	ReadCode int    `yaml:"read_code"`
	Range    Range  `yaml:"range"`
}

func (c ContiguousMemory) slaveID() uint8 {
	if c.SlaveID == nil {
		return 0
	}
	return *c.SlaveID
}

// EnumValueSpec is one entry of a definition's optional preset list; it
// may be given as a bare scalar or a {name, value} mapping.
type EnumValueSpec struct {
	Name  string `yaml:"name"`
	Value any    `yaml:"value"`
}

func (e *EnumValueSpec) UnmarshalYAML(value *yaml.Node) error {
	type alias EnumValueSpec
	var a alias
	if err := value.Decode(&a); err == nil && a.Name != "" {
		*e = EnumValueSpec(a)
		return nil
	}
	var bare any
	if err := value.Decode(&bare); err != nil {
		return err
	}
	e.Value = bare
	return nil
}

// DefinitionSpec mirrors one entry of the config's definitions mapping.
type DefinitionSpec struct {
	SlaveID  *uint8          `yaml:"slave_id"`
	ReadCode int             `yaml:"read_code"`
	Address  hexOrDecimal    `yaml:"address"`
	Length   int             `yaml:"length"`
	Access   string          `yaml:"access"`
	Type     string          `yaml:"type"`
	Reverse  bool            `yaml:"reverse"`
	Values   []EnumValueSpec `yaml:"values"`
	OnUpdate string          `yaml:"on_update"`
	Virtual  bool            `yaml:"virtual"`
}

func (d DefinitionSpec) slaveID() uint8 {
	if d.SlaveID == nil {
		return 0
	}
	return *d.SlaveID
}

// ConnectionConfig describes how to reach the device in client mode, or
// the address to listen on in server mode.
type ConnectionConfig struct {
	Protocol string `yaml:"protocol"` // tcp | rtu
	Address  string `yaml:"address"`  // host:port for tcp, device path for rtu

	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// PersistConfig describes the optional durable register-history sink,
// mirroring the teacher's collector.yaml storage block.
type PersistConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Format   string `yaml:"format"` // json | csv | db | json+csv | all
	MaxQueue int    `yaml:"max_queue"`
}

// Root is the top-level configuration document.
type Root struct {
	HistoryLength       int                       `yaml:"history_length"`
	IntervalMs          int                       `yaml:"interval_ms"`
	DelayAfterConnectMs int                       `yaml:"delay_after_connect_ms"`
	TimeoutMs           int                       `yaml:"timeout_ms"`
	EnableScript        bool                      `yaml:"enable_script"`
	Mode                string                    `yaml:"mode"` // client | server
	Connection          ConnectionConfig          `yaml:"connection"`
	ContiguousMemory    []ContiguousMemory        `yaml:"contiguous_memory"`
	Definitions         map[string]DefinitionSpec `yaml:"definitions"`
	Persist             PersistConfig             `yaml:"persist"`
}

// Load reads and parses the YAML document at path, applying defaults.
func Load(path string) (Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Root{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var root Root
	if err := yaml.Unmarshal(b, &root); err != nil {
		return Root{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	root.applyDefaults()
	if err := root.validate(); err != nil {
		return Root{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return root, nil
}

func (r *Root) applyDefaults() {
	if r.HistoryLength <= 0 {
		r.HistoryLength = 100
	}
	if r.IntervalMs <= 0 {
		r.IntervalMs = 1000
	}
	if r.TimeoutMs <= 0 {
		r.TimeoutMs = 1000
	}
	if r.Mode == "" {
		r.Mode = "client"
	}
	r.Mode = strings.ToLower(strings.TrimSpace(r.Mode))
	r.Connection.Protocol = strings.ToLower(strings.TrimSpace(r.Connection.Protocol))
}

func (r *Root) validate() error {
	if r.Mode != "client" && r.Mode != "server" {
		return fmt.Errorf("mode must be \"client\" or \"server\", got %q", r.Mode)
	}
	if r.Connection.Protocol != "tcp" && r.Connection.Protocol != "rtu" {
		return fmt.Errorf("connection.protocol must be \"tcp\" or \"rtu\", got %q", r.Connection.Protocol)
	}
	if r.Connection.Address == "" {
		return fmt.Errorf("connection.address is required")
	}
	if len(r.Definitions) == 0 {
		return fmt.Errorf("definitions must not be empty")
	}
	return nil
}

// PollInterval, PostConnectDelay and RequestTimeout convert the
// millisecond config fields to time.Duration for the poll loop.
func (r Root) PollInterval() time.Duration    { return time.Duration(r.IntervalMs) * time.Millisecond }
func (r Root) PostConnectDelay() time.Duration {
	return time.Duration(r.DelayAfterConnectMs) * time.Millisecond
}
func (r Root) RequestTimeout() time.Duration { return time.Duration(r.TimeoutMs) * time.Millisecond }

// BuildTransport constructs the Transport described by Connection.
func (r Root) BuildTransport() (transport.Transport, error) {
	switch r.Connection.Protocol {
	case "tcp":
		return transport.NewTCP(r.Connection.Address), nil
	case "rtu":
		return transport.NewRTU(transport.SerialParams{
			Address:  r.Connection.Address,
			BaudRate: r.Connection.BaudRate,
			DataBits: r.Connection.DataBits,
			StopBits: r.Connection.StopBits,
			Parity:   r.Connection.Parity,
		}), nil
	default:
		return nil, fmt.Errorf("config: unsupported protocol %q", r.Connection.Protocol)
	}
}

// BuildCatalogue translates Definitions/ContiguousMemory into a validated
// Catalogue, compiling every on_update script along the way.
func (r Root) BuildCatalogue() (*catalogue.Catalogue, error) {
	defs := make([]catalogue.Definition, 0, len(r.Definitions))
	for name, spec := range r.Definitions {
		typ, err := codec.ParseType(spec.Type)
		if err != nil {
			return nil, fmt.Errorf("definition %q: %w", name, err)
		}
		fn, err := parseReadFunction(spec.ReadCode)
		if err != nil {
			return nil, fmt.Errorf("definition %q: %w", name, err)
		}
		access, err := parseAccess(spec.Access)
		if err != nil {
			return nil, fmt.Errorf("definition %q: %w", name, err)
		}

		defs = append(defs, catalogue.Definition{
			Name:     name,
			SlaveID:  spec.slaveID(),
			Function: fn,
			Address:  uint16(spec.Address),
			Length:   spec.Length,
			Access:   access,
			Type:     typ,
			Reverse:  spec.Reverse,
			Values:   convertValues(spec.Values),
			OnUpdate: spec.OnUpdate,
			Virtual:  spec.Virtual,
		})
	}

	regions := make([]catalogue.Region, 0, len(r.ContiguousMemory))
	for _, cm := range r.ContiguousMemory {
		fn, err := parseReadFunction(cm.ReadCode)
		if err != nil {
			return nil, fmt.Errorf("contiguous_memory: %w", err)
		}
		regions = append(regions, catalogue.Region{
			SlaveID:  cm.slaveID(),
			Function: fn,
			Start:    uint16(cm.Range.Start),
			End:      uint16(cm.Range.End),
		})
	}

	return catalogue.Build(defs, regions)
}

// BuildPersist constructs the Recorder described by Persist, or returns
// (nil, nil) if persistence is disabled.
func (r Root) BuildPersist() (*persist.Recorder, error) {
	cfg, err := persist.ConfigFromFormat(r.Persist.Enabled, r.Persist.Dir, r.Persist.Format, r.Persist.MaxQueue)
	if err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	return persist.Open(cfg)
}

// Names returns every definition name, for seeding a Store.
func (r Root) Names() []string {
	names := make([]string, 0, len(r.Definitions))
	for name := range r.Definitions {
		names = append(names, name)
	}
	return names
}

func convertValues(specs []EnumValueSpec) []catalogue.EnumValue {
	if len(specs) == 0 {
		return nil
	}
	out := make([]catalogue.EnumValue, len(specs))
	for i, s := range specs {
		out[i] = catalogue.EnumValue{Name: s.Name, Value: s.Value}
	}
	return out
}

func parseReadFunction(code int) (catalogue.ReadFunction, error) {
	switch code {
	case 1:
		return catalogue.FuncCoils, nil
	case 2:
		return catalogue.FuncDiscreteInputs, nil
	case 3:
		return catalogue.FuncHoldingRegister, nil
	case 4:
		return catalogue.FuncInputRegister, nil
	default:
		return 0, fmt.Errorf("read_code must be 1-4, got %d", code)
	}
}

func parseAccess(s string) (catalogue.Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "readonly", "read_only", "ro":
		return catalogue.ReadOnly, nil
	case "writeonly", "write_only", "wo":
		return catalogue.WriteOnly, nil
	case "readwrite", "read_write", "rw", "":
		return catalogue.ReadWrite, nil
	default:
		return 0, fmt.Errorf("access must be ReadOnly/WriteOnly/ReadWrite, got %q", s)
	}
}
