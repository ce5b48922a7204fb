// Command tablegc exercises the table engine and collector directly,
// without a lexer, parser, or VM: it builds tables under memory pressure
// and reports how the incremental collector paces itself.
package main

import (
	"flag"
	"fmt"

	lua "github.com/a815063199/lua"
)

func main() {
	entries := flag.Int("entries", 100000, "number of table entries to insert")
	tables := flag.Int("tables", 50, "number of short-lived tables to churn through")
	flag.Parse()

	gc := lua.NewGlobalState()
	root := gc.NewTable(0, 0)
	gc.Set(root, gc.NewString([]byte("root")), true)

	for i := 0; i < *tables; i++ {
		t := gc.NewTable(0, 0)
		for j := 0; j < *entries / max(*tables, 1); j++ {
			key := gc.NewString([]byte(fmt.Sprintf("key-%d-%d", i, j)))
			gc.Set(t, key, float64(j))
		}
		// The table is held only by this loop-local variable, which the
		// collector does not treat as a root: any step may reclaim it,
		// even while it is still being filled.
		_ = t
		fmt.Printf("phase=%-11s live-bytes=%8d table=%d/%d\n", gc.Phase(), gc.LiveBytes(), i+1, *tables)
	}

	gc.FullGC()
	fmt.Printf("after full gc: phase=%s live-bytes=%d\n", gc.Phase(), gc.LiveBytes())
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
