// Package checker compares the ordered tree and the address allocator with
// simple reference models over long random operation sequences.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/vmspace/pkg/orderedtree"
	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

// Check targets.
const (
	TargetTree  = "tree"
	TargetSpace = "space"
)

// ErrMismatch marks a divergence between an implementation and its model.
var ErrMismatch = errors.New("checker: implementation diverged from model")

// Defaults for Config fields left zero.
const (
	DefaultOps        = 100000
	defaultKeySpace   = 512
	defaultWindowPage = 1024
	defaultMaxPages   = 16
	defaultFullEvery  = 997
	hibernateEvery    = 10007
)

// Config selects what Run checks.
type Config struct {
	// Seeds are checked independently, in parallel.
	Seeds []int64
	// Ops is the number of random operations per seed and target.
	Ops int
	// Policy is the placement policy of the checked address space.
	Policy vmspace.Policy
	// Parallelism bounds the number of concurrent seeds; zero means no bound.
	Parallelism int
	Logger      *slog.Logger
}

// Result is the outcome of one seed on one target.
type Result struct {
	Target   string
	Seed     int64
	Ops      int
	Duration time.Duration
	// Step is the failing operation, -1 on success.
	Step int
	// Diff describes the mismatch in cmp.Diff form (-model +implementation).
	Diff string
}

// Passed reports whether the seed matched its model.
func (result Result) Passed() bool {
	return result.Diff == ""
}

// Run checks every seed against both targets and returns the results in
// seed order. The error joins every mismatch.
func Run(ctx context.Context, cfg Config) ([]Result, error) {
	if cfg.Ops <= 0 {
		cfg.Ops = DefaultOps
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	results := make([]Result, 2*len(cfg.Seeds))

	group, gctx := errgroup.WithContext(ctx)
	if cfg.Parallelism > 0 {
		group.SetLimit(cfg.Parallelism)
	}

	for idx, seed := range cfg.Seeds {
		group.Go(func() error {
			results[2*idx] = timed(gctx, TargetTree, seed, cfg.Ops, func() (int, string) {
				return CheckTree(seed, cfg.Ops)
			})

			return gctx.Err()
		})

		group.Go(func() error {
			results[2*idx+1] = timed(gctx, TargetSpace, seed, cfg.Ops, func() (int, string) {
				return CheckSpace(seed, cfg.Ops, cfg.Policy)
			})

			return gctx.Err()
		})
	}

	err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("check: %w", err)
	}

	var mismatches []error

	for _, result := range results {
		logger.InfoContext(ctx, "check: seed done",
			"target", result.Target, "seed", result.Seed, "ops", result.Ops,
			"passed", result.Passed(), "duration", result.Duration)

		if !result.Passed() {
			mismatches = append(mismatches,
				fmt.Errorf("%w: %s seed %d step %d", ErrMismatch, result.Target, result.Seed, result.Step))
		}
	}

	return results, errors.Join(mismatches...)
}

func timed(ctx context.Context, target string, seed int64, ops int, fn func() (int, string)) Result {
	started := time.Now()
	result := Result{Target: target, Seed: seed, Ops: ops, Step: -1}

	if ctx.Err() != nil {
		return result
	}

	step, diff := fn()
	if diff != "" {
		result.Step, result.Diff = step, diff
	}

	result.Duration = time.Since(started)

	return result
}

// CheckTree runs ops random inserts, erases and searches on an ordered tree
// and a sorted slice. It returns the failing step and a diff, or -1 and "".
func CheckTree(seed int64, ops int) (int, string) {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible sequences
	tree := orderedtree.New[Item]()
	model := &multisetModel{}

	for step := range ops {
		switch roll := rng.Intn(10); {
		case roll < 5 || len(model.entries) == 0:
			item := Item{Key: rng.Intn(defaultKeySpace), Seq: step}
			handle := tree.Alloc(item)
			tree.Insert(handle, lessItem)
			model.insert(item, handle)
		case roll < 8:
			entry := model.remove(rng.Intn(len(model.entries)))
			tree.Erase(entry.handle)
			tree.Release(entry.handle)
		default:
			key := rng.Intn(defaultKeySpace)
			want, wantOK := model.first(key)

			var got *Item

			if handle := orderedtree.SearchFirst(tree, key, compareKey); handle != orderedtree.Nil {
				got = tree.Value(handle)
			}

			if diff := cmp.Diff(optional(want, wantOK), got); diff != "" {
				return step, fmt.Sprintf("search-first %d:\n%s", key, diff)
			}
		}

		if tree.Len() != len(model.entries) {
			return step, fmt.Sprintf("len: model %d, tree %d", len(model.entries), tree.Len())
		}

		if step%hibernateEvery == hibernateEvery-1 {
			tree.SetHibernationThreshold(0)
			tree.Hibernate()
			tree.Boot()
		}

		if step%defaultFullEvery == 0 || step == ops-1 {
			if diff := compareTree(tree, model); diff != "" {
				return step, diff
			}
		}
	}

	return -1, ""
}

func optional(item Item, ok bool) *Item {
	if !ok {
		return nil
	}

	return &item
}

func compareTree(tree *orderedtree.Tree[Item], model *multisetModel) string {
	err := tree.Validate(lessItem)
	if err != nil {
		return err.Error()
	}

	forward := []Item{}
	for _, item := range tree.All() {
		forward = append(forward, *item)
	}

	want := model.items()
	if diff := cmp.Diff(want, forward); diff != "" {
		return "in-order walk:\n" + diff
	}

	backward := []Item{}
	for _, item := range tree.Backward() {
		backward = append(backward, *item)
	}

	slices.Reverse(want)

	if diff := cmp.Diff(want, backward); diff != "" {
		return "reverse walk:\n" + diff
	}

	return ""
}

// spaceStep is what one allocator operation produced.
type spaceStep struct {
	Op       string
	Start    vmspace.Addr
	Released vmspace.Addr
	Ranges   int
	Err      string
}

// CheckSpace runs ops random allocs and frees on an AddressSpace and on a
// linear-scan model. Under next-fit only success and placement validity are
// compared, since the model searches first-fit.
func CheckSpace(seed int64, ops int, policy vmspace.Policy) (int, string) {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible sequences
	window := vmspace.Window{Base: vmspace.DefaultBase, Size: defaultWindowPage * vmspace.DefaultPageSize}

	space, err := vmspace.New(window, vmspace.WithPolicy(policy))
	if err != nil {
		return 0, err.Error()
	}

	model := &linearModel{window: window, pageSize: space.PageSize()}

	for step := range ops {
		var want, got spaceStep

		if rng.Intn(2) == 0 {
			size := vmspace.Addr(rng.Int63n(defaultMaxPages*int64(model.pageSize))) + 1
			rounded := model.roundUp(size)
			start, ok := model.firstFit(rounded)

			got = spaceStep{Op: "alloc", Start: space.Alloc(size)}
			want = spaceStep{Op: "alloc", Start: start}

			placed := vmspace.Range{Start: got.Start, Len: rounded}
			if policy == vmspace.NextFit && ok && got.Start != 0 && model.window.Contains(placed) && !model.overlapsAny(placed) {
				want.Start = got.Start
			}

			if got.Start != 0 {
				model.insert(vmspace.Range{Start: got.Start, Len: rounded})
			}
		} else {
			query := randomQuery(rng, model)

			before := space.Len()
			released, freeErr := space.Free(query.Start, query.Len)
			got = spaceStep{Op: "free", Released: released, Ranges: before - space.Len(), Err: errText(freeErr)}

			ranges, modelReleased, modelErr := model.free(query)
			want = spaceStep{Op: "free", Released: modelReleased, Ranges: ranges, Err: errText(modelErr)}
		}

		if diff := cmp.Diff(want, got); diff != "" {
			return step, diff
		}

		if step%defaultFullEvery == 0 || step == ops-1 {
			if diff := compareSpace(space, model); diff != "" {
				return step, diff
			}
		}
	}

	return -1, ""
}

func randomQuery(rng *rand.Rand, model *linearModel) vmspace.Range {
	if len(model.used) > 0 && rng.Intn(4) != 0 {
		return model.used[rng.Intn(len(model.used))]
	}

	pages := int64(model.window.Size / model.pageSize)
	start := model.window.Base + vmspace.Addr(rng.Int63n(pages))*model.pageSize
	length := vmspace.Addr(rng.Int63n(defaultMaxPages)+1) * model.pageSize

	return vmspace.Range{Start: start, Len: min(length, model.window.End()-start)}
}

// errText keeps only the sentinel so wrapped messages compare equal.
func errText(err error) string {
	for _, sentinel := range []error{vmspace.ErrPartialRelease, vmspace.ErrNotAllocated, vmspace.ErrInvalidRange} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}

	if err != nil {
		return err.Error()
	}

	return ""
}

func compareSpace(space *vmspace.AddressSpace, model *linearModel) string {
	err := space.Validate()
	if err != nil {
		return err.Error()
	}

	got := slices.Collect(space.Ranges())
	if diff := cmp.Diff(model.used, got, cmpopts.EquateEmpty()); diff != "" {
		return "ranges:\n" + diff
	}

	return ""
}
