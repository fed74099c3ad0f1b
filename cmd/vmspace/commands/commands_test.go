package commands

import (
	"bytes"
	"context"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/vmspace/internal/checker"
	"github.com/Sumatoshi-tech/vmspace/internal/workload"
	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

const (
	smallWorkload   = "testdata/small.yaml"
	failingWorkload = "testdata/failing.yaml"
	missingConfig   = "testdata/missing.yaml"
	checkOps        = "2000"
)

// execute runs cmd with args and returns what it printed. Commands set the
// color and otel globals, so callers must not run in parallel.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func noColorFlags() *GlobalFlags {
	return &GlobalFlags{NoColor: true}
}

func TestSimulatePrintsLayout(t *testing.T) { //nolint:paralleltest // mutates color and otel globals
	out, err := execute(t, NewSimulateCommand(noColorFlags()), smallWorkload)
	require.NoError(t, err)

	assert.Contains(t, out, "worker")
	assert.Contains(t, out, "0x10000000")
	assert.Contains(t, out, kindGap)
	assert.Contains(t, out, "results passed")
	assert.NotContains(t, out, statusFail)
}

func TestSimulateReportsFailures(t *testing.T) { //nolint:paralleltest // mutates color and otel globals
	out, err := execute(t, NewSimulateCommand(noColorFlags()), failingWorkload, "--layout=false")
	require.ErrorIs(t, err, ErrExpectationsFailed)

	assert.Contains(t, out, statusFail)
	assert.NotContains(t, out, kindGap)
}

func TestSimulateRejectsMissingFile(t *testing.T) { //nolint:paralleltest // mutates color and otel globals
	_, err := execute(t, NewSimulateCommand(noColorFlags()), "testdata/nope.yaml")
	require.Error(t, err)
}

func TestSimulateRejectsMissingConfig(t *testing.T) { //nolint:paralleltest // mutates color and otel globals
	flags := noColorFlags()
	flags.ConfigPath = missingConfig

	_, err := execute(t, NewSimulateCommand(flags), smallWorkload)
	require.Error(t, err)
}

func TestCheckPasses(t *testing.T) { //nolint:paralleltest // mutates color and otel globals
	for _, policy := range []string{"first-fit", "next-fit"} {
		out, err := execute(t, NewCheckCommand(noColorFlags()), "--ops", checkOps, "--seeds", "2", "--policy", policy)
		require.NoError(t, err)

		assert.Contains(t, out, "all 4 checks matched")
	}
}

func TestCheckRejectsUnknownPolicy(t *testing.T) { //nolint:paralleltest // mutates color and otel globals
	_, err := execute(t, NewCheckCommand(noColorFlags()), "--ops", checkOps, "--policy", "best-fit")
	require.ErrorIs(t, err, vmspace.ErrUnknownPolicy)
}

func TestRenderLayoutInterleaves(t *testing.T) { //nolint:paralleltest // reads the color global
	color.NoColor = true //nolint:reassign // plain output for assertions

	report := &workload.Report{
		Workload: "layout",
		Spaces: []workload.SpaceSummary{{
			Name:   "init",
			Window: vmspace.Window{Base: 0x10000, Size: 0x4000},
			Ranges: []vmspace.Range{{Start: 0x11000, Len: 0x1000}},
			Gaps:   []vmspace.Range{{Start: 0x10000, Len: 0x1000}, {Start: 0x12000, Len: 0x2000}},
		}},
	}

	var out bytes.Buffer

	renderLayout(&out, report)

	text := out.String()
	first := bytes.Index([]byte(text), []byte("0x10000"))
	used := bytes.Index([]byte(text), []byte(kindUsed))
	last := bytes.Index([]byte(text), []byte("0x12000"))

	require.NotEqual(t, -1, used)
	assert.Less(t, first, used)
	assert.Less(t, used, last)
}

func TestRenderCheckShowsDiff(t *testing.T) { //nolint:paralleltest // reads the color global
	color.NoColor = true //nolint:reassign // plain output for assertions

	var out bytes.Buffer

	renderCheck(&out, []checker.Result{
		{Target: checker.TargetTree, Seed: 1, Step: -1},
		{Target: checker.TargetSpace, Seed: 1, Step: 7, Diff: "-want +got"},
	})

	assert.Contains(t, out.String(), "diverged at step 7")
	assert.Contains(t, out.String(), "1 of 2 checks diverged")
}
