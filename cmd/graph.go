package cmd

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// traceOutput mirrors the JSON shape of orchestrator.TopKTaskOutput,
// decoded independently so graph doesn't need to import orchestrator just
// to read back its own report.
type traceOutput struct {
	VariantStatus      map[string]string `json:"variant_status"`
	VariantPerformance map[string]struct {
		CSLower float64 `json:"CSLower"`
		CSUpper float64 `json:"CSUpper"`
	} `json:"variant_performance"`
}

// graphFromTraceFile reads a JSON task output written by a previous run and
// outputs a graphviz description of the variant domination graph: an edge
// A -> B means A's performance CS strictly dominates B's (A's lower bound
// exceeds B's upper bound), the same relation the stopping rule's exclusion
// pass uses.
func graphFromTraceFile(sp *startupParams) error {
	f, err := os.Open(sp.traceFile)
	if err != nil {
		return errors.Wrapf(err, "opening trace file %s", sp.traceFile)
	}
	defer f.Close()

	var out traceOutput
	if err := json.NewDecoder(f).Decode(&out); err != nil {
		return errors.Wrap(err, "decoding trace file")
	}

	names := make([]string, 0, len(out.VariantStatus))
	for name := range out.VariantStatus {
		names = append(names, name)
	}
	sort.Strings(names)

	target := sp.out
	target.Printf("strict digraph G {\n")

	for _, name := range names {
		status := out.VariantStatus[name]
		target.Printf("    %q [label=%q];\n", name, name+"\\n"+status)
	}

	for _, a := range names {
		perfA, ok := out.VariantPerformance[a]
		if !ok {
			continue
		}
		for _, b := range names {
			if a == b {
				continue
			}
			perfB, ok := out.VariantPerformance[b]
			if !ok {
				continue
			}
			if perfA.CSLower > perfB.CSUpper {
				target.Printf("    %q -> %q;\n", a, b)
			}
		}
	}

	target.Printf("}\n")
	return nil
}
