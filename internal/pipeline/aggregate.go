package pipeline

import (
	"fmt"
	"sort"

	"github.com/pagelift/docextract/internal/regions"
)

// RegionsKey is the reserved section key detections are attached under.
// It is never namespaced per page; the first page with detections wins.
const RegionsKey = "detected_regions"

// DefaultInternalKeys are detector trigger flags the model is prompted to
// emit for routing. They must not leak into the final record.
var DefaultInternalKeys = []string{"has_signature", "has_stamp", "has_handwriting"}

// MergeOptions tune the fold. Zero value means defaults.
type MergeOptions struct {
	InternalKeys []string // nil means DefaultInternalKeys
}

// Merge folds per-page results, in ascending page order, into one
// document-level record. Keys from a later page that collide with an
// earlier key are suffixed with the page number. The result is
// deterministic for any completion order of the inputs.
func Merge(results []PageResult, opts MergeOptions) (DocumentRecord, []Warning) {
	internalKeys := opts.InternalKeys
	if internalKeys == nil {
		internalKeys = DefaultInternalKeys
	}
	internal := make(map[string]struct{}, len(internalKeys))
	for _, k := range internalKeys {
		internal[k] = struct{}{}
	}

	sorted := make([]PageResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PageIndex < sorted[j].PageIndex
	})

	rec := DocumentRecord{Sections: make(map[string]any)}
	var warnings []Warning
	var detections []regions.DetectionRegion

	for _, pr := range sorted {
		if !pr.OK() {
			warnings = append(warnings, Warning{
				PageIndex:   pr.PageIndex,
				Error:       pr.Err.Error(),
				RetryCount:  pr.RetryCount,
				FailedStage: pr.FailedStage,
			})
			continue
		}
		rec.Usage.Add(pr.Usage)

		for _, k := range pr.KeyOrder {
			if _, skip := internal[k]; skip {
				continue
			}
			key := k
			if _, taken := rec.Sections[key]; taken {
				key = fmt.Sprintf("%s_page_%d", k, pr.PageIndex+1)
			}
			if _, taken := rec.Sections[key]; taken {
				continue
			}
			rec.Sections[key] = pr.Value[k]
			rec.KeyOrder = append(rec.KeyOrder, key)
		}

		if detections == nil && len(pr.Regions) > 0 {
			detections = pr.Regions
		}
	}

	if detections != nil {
		if _, taken := rec.Sections[RegionsKey]; !taken {
			rec.Sections[RegionsKey] = detections
			rec.KeyOrder = append(rec.KeyOrder, RegionsKey)
		}
	}

	// Rebuild strictly by key order so the invariant holds even if keys
	// were inserted out of order above: KeyOrder lists exactly the keys of
	// Sections, first-insertion order, no duplicates.
	sections := make(map[string]any, len(rec.KeyOrder))
	order := make([]string, 0, len(rec.KeyOrder))
	seen := make(map[string]struct{}, len(rec.KeyOrder))
	for _, k := range rec.KeyOrder {
		if _, dup := seen[k]; dup {
			continue
		}
		v, ok := rec.Sections[k]
		if !ok {
			continue
		}
		seen[k] = struct{}{}
		sections[k] = v
		order = append(order, k)
	}
	rec.Sections = sections
	rec.KeyOrder = order
	return rec, warnings
}
