package execution

import (
	"crabdb/pkg/primitives"
	"crabdb/pkg/tuple"
)

// AggType enumerates the supported aggregate functions.
type AggType int

const (
	AggCount AggType = iota
	AggSum
	AggMin
	AggMax
)

// Aggregate names one aggregate computation over a column.
type Aggregate struct {
	Type   AggType
	Column int // input column; ignored for COUNT
}

// AggregationExecutor computes aggregates over a child executor, optionally
// grouped by one column. Results materialize during Init; Next streams them.
// Output rows are the group-by value (when grouping) followed by one value
// per aggregate.
type AggregationExecutor struct {
	child      Executor
	groupBy    int // -1 for a single global group
	aggregates []Aggregate

	groups []*aggGroup
	cursor int
}

type aggGroup struct {
	key    tuple.Value
	counts []int64
	sums   []int64
	mins   []tuple.Value
	maxs   []tuple.Value
}

// NewAggregation builds an aggregation; groupBy < 0 aggregates the whole
// input into one row.
func NewAggregation(child Executor, groupBy int, aggregates []Aggregate) *AggregationExecutor {
	return &AggregationExecutor{child: child, groupBy: groupBy, aggregates: aggregates}
}

// Init drains the child and folds every tuple into its group.
func (e *AggregationExecutor) Init() error {
	if err := e.child.Init(); err != nil {
		return err
	}

	index := make(map[string]*aggGroup)
	for {
		t, _, ok, err := e.child.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		var key tuple.Value
		keyRepr := ""
		if e.groupBy >= 0 {
			key = t.Value(e.groupBy)
			keyRepr = key.String()
		}

		g, ok := index[keyRepr]
		if !ok {
			g = &aggGroup{
				key:    key,
				counts: make([]int64, len(e.aggregates)),
				sums:   make([]int64, len(e.aggregates)),
				mins:   make([]tuple.Value, len(e.aggregates)),
				maxs:   make([]tuple.Value, len(e.aggregates)),
			}
			index[keyRepr] = g
			e.groups = append(e.groups, g)
		}
		e.fold(g, t)
	}

	// A global aggregate over empty input still yields one row of zero
	// counts.
	if e.groupBy < 0 && len(e.groups) == 0 {
		e.groups = append(e.groups, &aggGroup{
			counts: make([]int64, len(e.aggregates)),
			sums:   make([]int64, len(e.aggregates)),
			mins:   make([]tuple.Value, len(e.aggregates)),
			maxs:   make([]tuple.Value, len(e.aggregates)),
		})
	}
	return nil
}

func (e *AggregationExecutor) fold(g *aggGroup, t *tuple.Tuple) {
	for i, agg := range e.aggregates {
		switch agg.Type {
		case AggCount:
			g.counts[i]++
		case AggSum:
			g.sums[i] += t.Value(agg.Column).Int
		case AggMin:
			v := t.Value(agg.Column)
			if g.counts[i] == 0 || v.Less(g.mins[i]) {
				g.mins[i] = v
			}
			g.counts[i]++
		case AggMax:
			v := t.Value(agg.Column)
			if g.counts[i] == 0 || g.maxs[i].Less(v) {
				g.maxs[i] = v
			}
			g.counts[i]++
		}
	}
}

// Next streams one result row per group.
func (e *AggregationExecutor) Next() (*tuple.Tuple, primitives.RID, bool, error) {
	if e.cursor >= len(e.groups) {
		return nil, primitives.RID{}, false, nil
	}
	g := e.groups[e.cursor]
	e.cursor++

	var values []tuple.Value
	if e.groupBy >= 0 {
		values = append(values, g.key)
	}
	for i, agg := range e.aggregates {
		switch agg.Type {
		case AggCount:
			values = append(values, tuple.NewInt64(g.counts[i]))
		case AggSum:
			values = append(values, tuple.NewInt64(g.sums[i]))
		case AggMin:
			values = append(values, g.mins[i])
		case AggMax:
			values = append(values, g.maxs[i])
		}
	}
	return &tuple.Tuple{Values: values}, primitives.RID{}, true, nil
}
