// Package workload loads allocation workloads from YAML and replays them
// against a vmspace registry.
package workload

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/vmspace/pkg/config"
)

// Schema is the JSON schema every workload file must satisfy.
//
//go:embed schema.json
var Schema []byte

// Errors returned while loading or replaying a workload.
var (
	ErrInvalidWorkload = errors.New("workload: invalid")
	ErrBadExpression   = errors.New("workload: bad address expression")
	ErrUnknownLabel    = errors.New("workload: unknown label")
)

// DefaultProcess is used by ops that name no process.
const DefaultProcess = "init"

// Kinds of operation.
const (
	OpAlloc     = "alloc"
	OpFree      = "free"
	OpReserve   = "reserve"
	OpMap       = "map"
	OpUnmap     = "unmap"
	OpLookup    = "lookup"
	OpFork      = "fork"
	OpDrop      = "drop"
	OpHibernate = "hibernate"
	OpBoot      = "boot"
	OpValidate  = "validate"
)

// Workload is a named sequence of operations.
type Workload struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Window      *WindowOverride `yaml:"window"`
	Ops         []Op            `yaml:"ops"`
}

// WindowOverride replaces parts of the configured window for one workload.
type WindowOverride struct {
	Base     string `yaml:"base"`
	Size     string `yaml:"size"`
	PageSize string `yaml:"page_size"`
	Policy   string `yaml:"policy"`
}

// Apply copies the fields set in the override onto window.
func (override *WindowOverride) Apply(window *config.WindowConfig) {
	if override == nil {
		return
	}

	for _, field := range []struct {
		value string
		dst   *string
	}{
		{override.Base, &window.Base},
		{override.Size, &window.Size},
		{override.PageSize, &window.PageSize},
		{override.Policy, &window.Policy},
	} {
		if field.value != "" {
			*field.dst = field.value
		}
	}
}

// Op is one step of a workload. Addresses and expectations are expressions
// such as "base+0x1000", "end-4KiB" or "$heap+0x2000"; see Eval.
type Op struct {
	Op          string `yaml:"op"`
	Process     string `yaml:"process"`
	Child       string `yaml:"child"`
	Size        string `yaml:"size"`
	Addr        string `yaml:"addr"`
	Perm        string `yaml:"perm"`
	As          string `yaml:"as"`
	Expect      string `yaml:"expect"`
	ExpectError string `yaml:"expect_error"`
	Fail        bool   `yaml:"fail"`
	Repeat      int    `yaml:"repeat"`
}

// ProcessName returns the process the op applies to.
func (op Op) ProcessName() string {
	if op.Process == "" {
		return DefaultProcess
	}

	return op.Process
}

func (op Op) String() string {
	var sb strings.Builder

	sb.WriteString(op.Op)

	for _, field := range []struct{ key, value string }{
		{"process", op.Process}, {"child", op.Child}, {"addr", op.Addr},
		{"size", op.Size}, {"perm", op.Perm}, {"as", op.As},
	} {
		if field.value != "" {
			fmt.Fprintf(&sb, " %s=%s", field.key, field.value)
		}
	}

	return sb.String()
}

// Load reads and validates a workload file.
func Load(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workload: %w", err)
	}

	return Parse(data)
}

// Parse validates data against Schema and decodes it.
func Parse(data []byte) (*Workload, error) {
	var doc any

	err := yaml.Unmarshal(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkload, err)
	}

	err = validateSchema(doc)
	if err != nil {
		return nil, err
	}

	var wl Workload

	err = yaml.Unmarshal(data, &wl)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkload, err)
	}

	return &wl, nil
}

func validateSchema(doc any) error {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(Schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkload, err)
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, verr := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", verr.Field(), verr.Description()))
	}

	return fmt.Errorf("%w: %s", ErrInvalidWorkload, strings.Join(problems, "; "))
}
