package pipeline

import "fmt"

// Stage buckets a Default/AtStage-placed behavior coarsely before
// Before/After constraints are resolved within (and, when unambiguous,
// across) the resulting bucket list (spec.md §4.2, §9 Open Questions).
type Stage int

const (
	StageAuthentication Stage = iota
	StageValidation
	StagePreProcessing
	StageProcessing
	StagePostProcessing
	StageTransformation
	StageTelemetry
	StageErrorHandling
	stageCount
)

func (s Stage) String() string {
	names := [...]string{
		"Authentication", "Validation", "PreProcessing", "Processing",
		"PostProcessing", "Transformation", "Telemetry", "ErrorHandling",
	}
	if int(s) < 0 || int(s) >= len(names) {
		return "Unknown"
	}
	return names[s]
}

// placementKind is the discriminant for Placement.
type placementKind int

const (
	kindDefault placementKind = iota
	kindFirst
	kindLast
	kindOrdered
	kindBefore
	kindAfter
	kindAtStage
)

// Placement is an ordering constraint attached to a behavior registration.
// Build one with the First/Last/Ordered/Before/After/AtStage/Default
// constructors below.
type Placement struct {
	kind  placementKind
	order int
	ref   string
	stage Stage
}

func First() Placement              { return Placement{kind: kindFirst} }
func Last() Placement                { return Placement{kind: kindLast} }
func Ordered(order int) Placement    { return Placement{kind: kindOrdered, order: order} }
func Before(id string) Placement     { return Placement{kind: kindBefore, ref: id} }
func After(id string) Placement      { return Placement{kind: kindAfter, ref: id} }
func Default() Placement             { return Placement{kind: kindDefault} }

func AtStage(stage Stage, order int) Placement {
	return Placement{kind: kindAtStage, stage: stage, order: order}
}

// entry pairs a behavior ID with its declared placement, for the resolver.
type entry struct {
	id        string
	placement Placement
	behavior  Behavior
	seq       int
}

// resolve computes the total order spec.md §4.2 describes: pinned
// First/Last are extremal, Default/AtStage land in stage buckets in
// declared sequence, Before/After are solved as edges within (and, absent
// conflicts, across) the bucket list, Ordered/registration order breaks
// remaining ties. A Before/After cycle is a startup-time error
// (topoSortBucket's "behavior placement cycle detected" error).
func resolve(entries []entry) ([]entry, error) {
	var firsts, lasts []entry
	buckets := make([][]entry, stageCount+1) // stageCount index holds Ordered/Default w/o AtStage

	byID := make(map[string]*entry, len(entries))
	for i := range entries {
		byID[entries[i].id] = &entries[i]
	}

	for _, e := range entries {
		switch e.placement.kind {
		case kindFirst:
			firsts = append(firsts, e)
		case kindLast:
			lasts = append(lasts, e)
		case kindAtStage:
			buckets[e.placement.stage] = append(buckets[e.placement.stage], e)
		default:
			// Default, Ordered, Before, After default into the Processing
			// bucket unless a Before/After neighbor pins a different stage;
			// stage is resolved after the initial bucket assignment below.
			buckets[StageProcessing] = append(buckets[StageProcessing], e)
		}
	}

	// Re-home Before/After entries next to their referenced neighbor's
	// stage when the neighbor was placed via AtStage, so a plain
	// Before(id)/After(id) naturally follows an AtStage pin.
	for stageIdx := range buckets {
		for _, e := range entries {
			if e.placement.kind != kindBefore && e.placement.kind != kindAfter {
				continue
			}
			ref, ok := byID[e.placement.ref]
			if !ok || ref.placement.kind != kindAtStage || int(ref.placement.stage) != stageIdx {
				continue
			}
			buckets[stageIdx] = appendUnique(buckets[stageIdx], e)
		}
	}
	// Remove duplicates introduced by re-homing from the Processing bucket.
	kept := buckets[StageProcessing][:0:0]
	for _, e := range buckets[StageProcessing] {
		if e.placement.kind == kindBefore || e.placement.kind == kindAfter {
			ref, ok := byID[e.placement.ref]
			if ok && ref.placement.kind == kindAtStage && ref.placement.stage != StageProcessing {
				continue
			}
		}
		kept = append(kept, e)
	}
	buckets[StageProcessing] = kept

	var ordered []entry
	ordered = append(ordered, firsts...)
	for i := 0; i < int(stageCount); i++ {
		sorted, err := topoSortBucket(buckets[i])
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, sorted...)
	}
	ordered = append(ordered, lasts...)
	return ordered, nil
}

func appendUnique(bucket []entry, e entry) []entry {
	for _, existing := range bucket {
		if existing.id == e.id {
			return bucket
		}
	}
	return append(bucket, e)
}

// topoSortBucket orders one stage bucket: Ordered/seq breaks ties first,
// then Before/After edges are layered in via a stable topological sort.
func topoSortBucket(bucket []entry) ([]entry, error) {
	if len(bucket) <= 1 {
		return bucket, nil
	}

	indexOf := make(map[string]int, len(bucket))
	for i, e := range bucket {
		indexOf[e.id] = i
	}

	// edges[i] = {j...} means i must come before j
	edges := make(map[int][]int)
	indegree := make([]int, len(bucket))

	addEdge := func(before, after int) {
		edges[before] = append(edges[before], after)
		indegree[after]++
	}

	for i, e := range bucket {
		switch e.placement.kind {
		case kindBefore:
			if j, ok := indexOf[e.placement.ref]; ok {
				addEdge(i, j)
			}
		case kindAfter:
			if j, ok := indexOf[e.placement.ref]; ok {
				addEdge(j, i)
			}
		}
	}

	// Tie-break: Ordered value, then original registration sequence.
	stableLess := func(a, b int) bool {
		ea, eb := bucket[a], bucket[b]
		oa, ob := orderOf(ea), orderOf(eb)
		if oa != ob {
			return oa < ob
		}
		return ea.seq < eb.seq
	}

	// Kahn's algorithm, always picking the lowest-(order,seq) ready node to
	// keep the result deterministic.
	ready := make([]int, 0, len(bucket))
	for i := range bucket {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	sortInts(ready, stableLess)

	var result []entry
	visited := make([]bool, len(bucket))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		if visited[n] {
			continue
		}
		visited[n] = true
		result = append(result, bucket[n])
		for _, m := range edges[n] {
			indegree[m]--
			if indegree[m] == 0 {
				ready = append(ready, m)
				sortInts(ready, stableLess)
			}
		}
	}

	if len(result) != len(bucket) {
		return nil, fmt.Errorf("pipeline: behavior placement cycle detected among %v", remaining(bucket, visited))
	}
	return result, nil
}

func orderOf(e entry) int {
	if e.placement.kind == kindOrdered {
		return e.placement.order
	}
	return 0
}

func sortInts(s []int, less func(a, b int) bool) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j], s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func remaining(bucket []entry, visited []bool) []string {
	var ids []string
	for i, v := range visited {
		if !v {
			ids = append(ids, bucket[i].id)
		}
	}
	return ids
}
