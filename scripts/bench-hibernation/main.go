// bench-hibernation measures heap memory before and after Registry.HibernateAll()
// on a registry populated with many fragmented address spaces.
//
// Usage:
//
//	go run ./scripts/bench-hibernation --processes 2000 --allocs 512 --rounds 3 \
//	  --profile-dir docs/profiles/registry-hibernation
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/vmspace/pkg/config"
	"github.com/Sumatoshi-tech/vmspace/pkg/units"
	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

const maxAllocPages = 64

type heapSnapshot struct {
	label     string
	heapInUse uint64
	heapSys   uint64
	heapIdle  uint64
}

func main() {
	processes := flag.Int("processes", 2000, "Number of address spaces")
	allocs := flag.Int("allocs", 512, "Allocations per space and round")
	rounds := flag.Int("rounds", 3, "Populate/hibernate/boot rounds")
	seed := flag.Int64("seed", 1, "Random seed")
	profileDir := flag.String("profile-dir", "", "Directory to write heap profiles (optional)")

	flag.Parse()

	if *profileDir != "" {
		if err := os.MkdirAll(*profileDir, 0o755); err != nil {
			log.Fatalf("mkdir profile-dir: %v", err)
		}
	}

	cfg := config.Default()

	registry, err := cfg.NewRegistry(nil)
	if err != nil {
		log.Fatalf("build registry: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed)) //nolint:gosec // reproducible layouts

	var snapshots []heapSnapshot

	takeSnapshot := func(label string) {
		runtime.GC()
		runtime.GC()

		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		snapshots = append(snapshots, heapSnapshot{
			label:     label,
			heapInUse: m.HeapInuse,
			heapSys:   m.HeapSys,
			heapIdle:  m.HeapIdle,
		})
		log.Printf("  [heap] %-36s inuse=%10s  sys=%10s  idle=%10s", label,
			units.FormatSize(m.HeapInuse), units.FormatSize(m.HeapSys), units.FormatSize(m.HeapIdle))
	}

	writeHeapProfile := func(name string) {
		if *profileDir == "" {
			return
		}

		runtime.GC()

		path := filepath.Join(*profileDir, name)

		f, ferr := os.Create(path)
		if ferr != nil {
			log.Printf("warning: create heap profile %s: %v", path, ferr)

			return
		}
		defer f.Close()

		if perr := pprof.WriteHeapProfile(f); perr != nil {
			log.Printf("warning: write heap profile %s: %v", path, perr)
		}
	}

	takeSnapshot("before_populate")

	for round := range *rounds {
		log.Printf("round %d/%d: populating %d spaces", round+1, *rounds, *processes)

		populate(registry, rng, *processes, *allocs)

		takeSnapshot(fmt.Sprintf("round_%d_before_hibernate", round))
		writeHeapProfile(fmt.Sprintf("heap_round_%d_before_hibernate.prof", round))

		started := time.Now()
		registry.HibernateAll()
		log.Printf("hibernate took %s", time.Since(started))

		takeSnapshot(fmt.Sprintf("round_%d_after_hibernate", round))
		writeHeapProfile(fmt.Sprintf("heap_round_%d_after_hibernate.prof", round))

		started = time.Now()
		registry.Boot()
		log.Printf("boot took %s", time.Since(started))

		takeSnapshot(fmt.Sprintf("round_%d_after_boot", round))
	}

	fmt.Println()
	fmt.Println("=== Heap Memory Timeline ===")
	fmt.Printf("%-40s %12s %12s %12s\n", "Phase", "InUse", "Sys", "Idle")

	for _, s := range snapshots {
		fmt.Printf("%-40s %12s %12s %12s\n", s.label,
			units.FormatSize(s.heapInUse), units.FormatSize(s.heapSys), units.FormatSize(s.heapIdle))
	}

	fmt.Println()
	fmt.Println("=== Hibernation Memory Deltas ===")

	for i := 0; i+1 < len(snapshots); i++ {
		curr, next := snapshots[i], snapshots[i+1]
		if strings.HasSuffix(curr.label, "before_hibernate") && strings.HasSuffix(next.label, "after_hibernate") {
			delta := float64(curr.heapInUse) - float64(next.heapInUse)
			pct := (delta / float64(curr.heapInUse)) * 100
			fmt.Printf("  %s -> %s: %.1f MB freed (%.1f%%)\n", curr.label, next.label, delta/1e6, pct)
		}
	}
}

// populate allocates into every space and frees about a third of the new
// ranges again, leaving the trees fragmented.
func populate(registry *vmspace.Registry, rng *rand.Rand, processes, allocs int) {
	for proc := range processes {
		err := registry.Do(fmt.Sprintf("proc-%d", proc), func(space *vmspace.AddressSpace) error {
			starts := make([]vmspace.Addr, 0, allocs)

			for range allocs {
				size := vmspace.Addr(rng.Intn(maxAllocPages)+1) * space.PageSize()
				if start := space.Alloc(size); start != 0 {
					starts = append(starts, start)
				}
			}

			for _, start := range starts {
				if rng.Intn(3) != 0 {
					continue
				}

				record, _ := space.Lookup(start)
				if _, err := space.Free(record.Start, record.Len); err != nil {
					return err
				}
			}

			return nil
		})
		if err != nil {
			log.Fatalf("populate proc-%d: %v", proc, err)
		}
	}
}
