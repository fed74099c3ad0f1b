package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Sumatoshi-tech/vmspace/pkg/observability"
	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

const spanReplay = "vmspace.workload.replay"

// ErrUnknownOp is returned for an op kind the runner does not know.
var ErrUnknownOp = errors.New("workload: unknown op")

// errorKinds names the sentinel errors an op may expect.
var errorKinds = map[string]error{
	"invalid-range": vmspace.ErrInvalidRange,
	"misaligned":    vmspace.ErrMisaligned,
	"overlap":       vmspace.ErrOverlap,
	"not-allocated": vmspace.ErrNotAllocated,
	"partial":       vmspace.ErrPartialRelease,
	"exhausted":     vmspace.ErrExhausted,
	"map-failed":    vmspace.ErrMapFailed,
	"not-mapped":    vmspace.ErrNotMapped,
	"unknown-space": vmspace.ErrUnknownSpace,
	"space-exists":  vmspace.ErrSpaceExists,
}

const expectNone = "none"

// errMappingRefused is what the mapper reports for ops marked fail.
var errMappingRefused = errors.New("mapping refused")

// Options configures a replay. Zero values are usable.
type Options struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *observability.SpaceMetrics
}

// Runner replays workloads against one registry. Each process gets its own
// mapping table.
type Runner struct {
	registry *vmspace.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.SpaceMetrics
	mappers  map[string]*vmspace.TableMapper
	labels   map[string]vmspace.Range
}

// NewRunner creates a runner over registry.
func NewRunner(registry *vmspace.Registry, opts Options) *Runner {
	runner := &Runner{
		registry: registry,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		mappers:  map[string]*vmspace.TableMapper{},
		labels:   map[string]vmspace.Range{},
	}

	if runner.logger == nil {
		runner.logger = slog.New(slog.DiscardHandler)
	}

	if runner.tracer == nil {
		runner.tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	return runner
}

// Run replays every op of wl and reports the outcome of each. Unmet
// expectations are recorded in the report; the returned error is reserved
// for ops that cannot be evaluated at all.
func (runner *Runner) Run(ctx context.Context, wl *Workload) (*Report, error) {
	ctx, span := runner.tracer.Start(ctx, spanReplay, trace.WithAttributes(
		attribute.String("workload.name", wl.Name),
		attribute.Int("workload.ops", len(wl.Ops)),
	))
	defer span.End()

	runner.logger.InfoContext(ctx, "workload: replay started", "name", wl.Name, "ops", len(wl.Ops))

	report := &Report{Workload: wl.Name}
	started := time.Now()

	for idx, op := range wl.Ops {
		for range max(op.Repeat, 1) {
			result, err := runner.step(ctx, idx, op)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())

				return report, fmt.Errorf("op %d (%s): %w", idx, op, err)
			}

			report.Results = append(report.Results, result)
		}
	}

	spaces, err := runner.summarize()
	if err != nil {
		return report, err
	}

	report.Spaces = spaces
	report.Duration = time.Since(started)

	failures := len(report.Failures())
	span.SetAttributes(attribute.Int("workload.failures", failures))

	if failures > 0 {
		span.SetStatus(codes.Error, "expectations failed")
	}

	runner.logger.InfoContext(ctx, "workload: replay finished",
		"name", wl.Name, "results", len(report.Results), "failures", failures, "duration", report.Duration)

	return report, nil
}

func (runner *Runner) step(ctx context.Context, idx int, op Op) (OpResult, error) {
	ctx, span := runner.tracer.Start(ctx, observability.SpanWorkloadOp, trace.WithAttributes(
		attribute.String("workload.op", op.Op),
		attribute.Int("workload.index", idx),
		attribute.String("space.name", op.ProcessName()),
	))
	defer span.End()

	result := OpResult{Index: idx, Op: op}

	var err error

	switch op.Op {
	case OpAlloc:
		err = runner.alloc(ctx, op, &result)
	case OpMap:
		err = runner.mapRange(ctx, op, &result)
	case OpFree:
		err = runner.free(ctx, op, &result)
	case OpUnmap:
		err = runner.unmap(ctx, op, &result)
	case OpReserve:
		err = runner.reserve(ctx, op, &result)
	case OpLookup:
		err = runner.lookup(op, &result)
	case OpFork:
		result.Err = runner.fork(op)
	case OpDrop:
		result.Err = runner.registry.Drop(op.ProcessName())
		delete(runner.mappers, op.ProcessName())
	case OpHibernate:
		runner.hibernate(ctx)
	case OpBoot:
		runner.registry.Boot()
	case OpValidate:
		result.Err = runner.registry.Do(op.ProcessName(), (*vmspace.AddressSpace).Validate)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownOp, op.Op)
	}

	if err != nil {
		return result, err
	}

	result.check(op)

	if result.Err != nil {
		span.SetAttributes(attribute.String("error.type", result.Err.Error()))
	}

	if !result.Passed {
		span.SetStatus(codes.Error, result.Reason)
		runner.logger.WarnContext(ctx, "workload: expectation failed", "index", idx, "op", op.String(), "reason", result.Reason)
	} else {
		runner.logger.DebugContext(ctx, "workload: op", "index", idx, "op", op.String(), "addr", uint64(result.Addr))
	}

	return result, nil
}

// in runs fn on the op's space with the expression scope of that space.
func (runner *Runner) in(op Op, fn func(space *vmspace.AddressSpace, scope Scope) error) error {
	return runner.registry.Do(op.ProcessName(), func(space *vmspace.AddressSpace) error {
		return fn(space, Scope{Window: space.Window(), Labels: runner.labels})
	})
}

// evalExpect fills result.Want from op.Expect.
func evalExpect(op Op, scope Scope, result *OpResult) error {
	if op.Expect == "" {
		return nil
	}

	want, err := Eval(op.Expect, scope)
	if err != nil {
		return err
	}

	result.Want = &want

	return nil
}

func (runner *Runner) alloc(ctx context.Context, op Op, result *OpResult) error {
	var evalErr error

	doErr := runner.in(op, func(space *vmspace.AddressSpace, scope Scope) error {
		size, err := Eval(op.Size, scope)
		if err != nil {
			evalErr = err

			return nil
		}

		evalErr = evalExpect(op, scope, result)
		if evalErr != nil {
			return nil
		}

		result.Addr = space.Alloc(size)
		if result.Addr == 0 {
			result.Err = fmt.Errorf("%w: %#x bytes", vmspace.ErrExhausted, uint64(size))
		} else {
			record, _ := space.Lookup(result.Addr)
			result.Size = record.Len
			runner.label(op, record)
		}

		if runner.metrics != nil {
			runner.metrics.RecordAlloc(ctx, op.ProcessName(), space.Policy().String(), uint64(result.Addr), uint64(result.Size))
		}

		return nil
	})

	return errors.Join(evalErr, doErr)
}

func (runner *Runner) mapRange(ctx context.Context, op Op, result *OpResult) error {
	perm, err := vmspace.ParsePerm(op.Perm)
	if err != nil {
		return err
	}

	mapper := runner.mapperFor(op.ProcessName())

	if op.Fail {
		mapper.FailMap = func(vmspace.Range) error { return errMappingRefused }
		defer func() { mapper.FailMap = nil }()
	}

	var evalErr error

	doErr := runner.in(op, func(space *vmspace.AddressSpace, scope Scope) error {
		size, err := Eval(op.Size, scope)
		if err != nil {
			evalErr = err

			return nil
		}

		evalErr = evalExpect(op, scope, result)
		if evalErr != nil {
			return nil
		}

		record, mapErr := vmspace.AutoMap(ctx, space, mapper, size, perm)
		result.Err = mapErr

		if mapErr == nil {
			result.Addr, result.Size = record.Start, record.Len
			runner.label(op, record)

			if runner.metrics != nil {
				runner.metrics.RecordAlloc(ctx, op.ProcessName(), space.Policy().String(), uint64(record.Start), uint64(record.Len))
			}
		}

		return nil
	})

	return errors.Join(evalErr, doErr)
}

// target resolves the addr and size of a free or unmap. A missing size
// defaults to the length of the labelled range the address names.
func (runner *Runner) target(op Op, scope Scope) (vmspace.Addr, vmspace.Addr, error) {
	start, err := Eval(op.Addr, scope)
	if err != nil {
		return 0, 0, err
	}

	if op.Size != "" {
		size, err := Eval(op.Size, scope)

		return start, size, err
	}

	record, ok := runner.labels[labelOf(op.Addr)]
	if !ok {
		return 0, 0, fmt.Errorf("%w: size is required unless addr is a bare label", ErrBadExpression)
	}

	return start, record.Len, nil
}

func (runner *Runner) free(ctx context.Context, op Op, result *OpResult) error {
	var evalErr error

	doErr := runner.in(op, func(space *vmspace.AddressSpace, scope Scope) error {
		start, size, err := runner.target(op, scope)
		if err != nil {
			evalErr = err

			return nil
		}

		evalErr = evalExpect(op, scope, result)
		if evalErr != nil {
			return nil
		}

		before := space.Len()
		result.Addr = start
		result.Size, result.Err = space.Free(start, size)

		if runner.metrics != nil {
			runner.metrics.RecordFree(ctx, op.ProcessName(), before-space.Len(), uint64(result.Size), result.Err)
		}

		return nil
	})

	return errors.Join(evalErr, doErr)
}

func (runner *Runner) unmap(ctx context.Context, op Op, result *OpResult) error {
	mapper := runner.mapperFor(op.ProcessName())

	var evalErr error

	doErr := runner.in(op, func(space *vmspace.AddressSpace, scope Scope) error {
		start, size, err := runner.target(op, scope)
		if err != nil {
			evalErr = err

			return nil
		}

		evalErr = evalExpect(op, scope, result)
		if evalErr != nil {
			return nil
		}

		before, inUse := space.Len(), space.InUse()
		result.Addr = start
		result.Err = vmspace.AutoUnmap(ctx, space, mapper, start, size)
		result.Size = inUse - space.InUse()

		if runner.metrics != nil && before != space.Len() {
			runner.metrics.RecordFree(ctx, op.ProcessName(), before-space.Len(), uint64(result.Size), nil)
		}

		return nil
	})

	return errors.Join(evalErr, doErr)
}

func (runner *Runner) reserve(ctx context.Context, op Op, result *OpResult) error {
	var evalErr error

	doErr := runner.in(op, func(space *vmspace.AddressSpace, scope Scope) error {
		start, err := Eval(op.Addr, scope)
		if err != nil {
			evalErr = err

			return nil
		}

		size, err := Eval(op.Size, scope)
		if err != nil {
			evalErr = err

			return nil
		}

		result.Addr, result.Size = start, size
		result.Err = space.Reserve(start, size)

		if result.Err == nil {
			runner.label(op, vmspace.Range{Start: start, Len: size})

			if runner.metrics != nil {
				runner.metrics.RecordReserve(ctx, op.ProcessName(), uint64(size))
			}
		}

		return nil
	})

	return errors.Join(evalErr, doErr)
}

func (runner *Runner) lookup(op Op, result *OpResult) error {
	var evalErr error

	doErr := runner.in(op, func(space *vmspace.AddressSpace, scope Scope) error {
		addr, err := Eval(op.Addr, scope)
		if err != nil {
			evalErr = err

			return nil
		}

		if op.Expect != expectNone {
			evalErr = evalExpect(op, scope, result)
			if evalErr != nil {
				return nil
			}
		}

		record, ok := space.Lookup(addr)
		if ok {
			result.Addr, result.Size = record.Start, record.Len
			runner.label(op, record)
		}

		return nil
	})

	return errors.Join(evalErr, doErr)
}

func (runner *Runner) fork(op Op) error {
	parent, child := op.ProcessName(), op.Child

	err := runner.registry.Fork(parent, child)
	if err != nil {
		return err
	}

	runner.mappers[child] = runner.mapperFor(parent).Clone()

	return nil
}

func (runner *Runner) hibernate(ctx context.Context) {
	started := time.Now()

	runner.registry.Hibernate()

	if runner.metrics != nil {
		runner.metrics.RecordHibernate(ctx, time.Since(started))
	}

	runner.logger.DebugContext(ctx, "workload: registry hibernated", "spaces", runner.registry.Len())
}

func (runner *Runner) mapperFor(name string) *vmspace.TableMapper {
	mapper, ok := runner.mappers[name]
	if !ok {
		mapper = vmspace.NewTableMapper()
		runner.mappers[name] = mapper
	}

	return mapper
}

func (runner *Runner) label(op Op, record vmspace.Range) {
	if op.As != "" {
		runner.labels[op.As] = record
	}
}

func (runner *Runner) summarize() ([]SpaceSummary, error) {
	names := runner.registry.Names()
	spaces := make([]SpaceSummary, 0, len(names))

	for _, name := range names {
		err := runner.registry.Do(name, func(space *vmspace.AddressSpace) error {
			summary := SpaceSummary{
				Name:     name,
				Window:   space.Window(),
				Policy:   space.Policy(),
				InUse:    space.InUse(),
				Mappings: runner.mapperFor(name).Len(),
				Valid:    space.Validate(),
			}

			for record := range space.Ranges() {
				summary.Ranges = append(summary.Ranges, record)
			}

			for gap := range space.Gaps() {
				summary.Gaps = append(summary.Gaps, gap)
			}

			spaces = append(spaces, summary)

			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return spaces, nil
}

// labelOf returns the label a bare "$name" expression refers to.
func labelOf(expr string) string {
	if len(expr) > 1 && expr[0] == '$' {
		return expr[1:]
	}

	return ""
}
