package main

import (
	"fmt"
	"io"
	"sort"

	"vela/internal/deopt"
	"vela/internal/engine"
)

func printRunStats(out io.Writer, rt *engine.Runtime) {
	hs := rt.HeapStats()
	fmt.Fprintln(out, "heap:")
	fmt.Fprintf(out, "  allocations  %d\n", hs.Allocations)
	fmt.Fprintf(out, "  freed        %d\n", hs.Freed)
	fmt.Fprintf(out, "  live         %d\n", hs.Live)
	fmt.Fprintf(out, "  collections  %d\n", hs.Collections)

	ds := rt.Deopt().Stats()
	if ds.Functions == 0 {
		return
	}
	fmt.Fprintln(out, "deopt:")
	kinds := make([]deopt.EventKind, 0, len(ds.PerKind))
	for k := range ds.PerKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		fmt.Fprintf(out, "  %-24s %d\n", k, ds.PerKind[k])
	}
	for _, fn := range ds.Deoptimised {
		fmt.Fprintf(out, "  deoptimised: %s\n", fn)
	}
}
