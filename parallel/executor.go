// Package parallel implements data-parallel filtering, aggregation,
// and hash-join over a collection snapshot.
//
// It operates on plain Go values (map[string]any for documents,
// matching kvdoc.Value.ToAny's output) rather than on kvdoc.Value
// directly, so that it has no import-cycle dependency on the root
// package; the engine converts to and from kvdoc.Value at its
// boundary. Chunking and cooperative cancellation are built on
// golang.org/x/sync/errgroup.
package parallel

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// threshold is the minimum collection size below which filtering runs
// on the calling goroutine instead of being chunked.
const threshold = 100

// Op enumerates the comparison operators a Filter may apply.
type Op string

const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpContains    Op = "contains"
	OpStartsWith  Op = "startsWith"
	OpEndsWith    Op = "endsWith"
	OpIn          Op = "in"
	OpNotIn       Op = "notIn"
	OpRegex       Op = "regex"
	OpContainsAll Op = "containsAll"
	OpContainsAny Op = "containsAny"
)

// Filter is a single predicate over one field of a document.
type Filter struct {
	Field  string
	Op     Op
	Value  any
	Values []any // for in / notIn / containsAll / containsAny
}

func numChunks(n int) int {
	cores := runtime.NumCPU()
	c := cores - 1
	if c < 1 {
		c = 1
	}
	if n < threshold {
		return 1
	}
	if c > n {
		c = n
	}
	return c
}

func fieldOf(item any, field string) (any, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[field]
	return v, ok
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func matches(item any, f Filter) bool {
	val, ok := fieldOf(item, f.Field)
	switch f.Op {
	case OpEq:
		return ok && reflect.DeepEqual(val, f.Value)
	case OpNe:
		return !ok || !reflect.DeepEqual(val, f.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !ok {
			return false
		}
		a, aok := asFloat(val)
		b, bok := asFloat(f.Value)
		if !aok || !bok {
			return false
		}
		switch f.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		case OpLte:
			return a <= b
		}
		return false
	case OpContains:
		if !ok {
			return false
		}
		s, sok := asString(val)
		needle, nok := asString(f.Value)
		if sok && nok {
			return strings.Contains(s, needle)
		}
		return false
	case OpStartsWith:
		s, sok := asString(val)
		needle, nok := asString(f.Value)
		return ok && sok && nok && strings.HasPrefix(s, needle)
	case OpEndsWith:
		s, sok := asString(val)
		needle, nok := asString(f.Value)
		return ok && sok && nok && strings.HasSuffix(s, needle)
	case OpIn:
		if !ok {
			return false
		}
		for _, want := range f.Values {
			if reflect.DeepEqual(val, want) {
				return true
			}
		}
		return false
	case OpNotIn:
		if !ok {
			return true
		}
		for _, want := range f.Values {
			if reflect.DeepEqual(val, want) {
				return false
			}
		}
		return true
	case OpRegex:
		s, sok := asString(val)
		pat, pok := asString(f.Value)
		if !ok || !sok || !pok {
			return false
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case OpContainsAll:
		arr, aok := val.([]any)
		if !ok || !aok {
			return false
		}
		for _, want := range f.Values {
			found := false
			for _, have := range arr {
				if reflect.DeepEqual(have, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case OpContainsAny:
		arr, aok := val.([]any)
		if !ok || !aok {
			return false
		}
		for _, want := range f.Values {
			for _, have := range arr {
				if reflect.DeepEqual(have, want) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

func matchesAll(item any, filters []Filter) bool {
	for _, f := range filters {
		if !matches(item, f) {
			return false
		}
	}
	return true
}

// FilterItems applies every filter (AND semantics) to items, preserving
// input order, chunking the work above threshold.
func FilterItems(ctx context.Context, items []any, filters []Filter) ([]any, error) {
	n := len(items)
	if n == 0 {
		return nil, nil
	}
	chunks := numChunks(n)
	if chunks <= 1 {
		out := make([]any, 0, n)
		for _, item := range items {
			if matchesAll(item, filters) {
				out = append(out, item)
			}
		}
		return out, nil
	}

	chunkSize := (n + chunks - 1) / chunks
	results := make([][]any, chunks)
	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < chunks; c++ {
		c := c
		start := c * chunkSize
		end := start + chunkSize
		if start >= n {
			continue
		}
		if end > n {
			end = n
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var local []any
			for _, item := range items[start:end] {
				if matchesAll(item, filters) {
					local = append(local, item)
				}
			}
			results[c] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]any, 0, n)
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// AggOp enumerates the aggregation kinds Aggregate supports.
type AggOp string

const (
	AggCount AggOp = "count"
	AggSum   AggOp = "sum"
	AggAvg   AggOp = "avg"
	AggMin   AggOp = "min"
	AggMax   AggOp = "max"
)

// Aggregate runs a parallel fold over items for the named field
// (ignored for count). Non-numeric values are skipped. min and max of
// an empty set are nil; avg of an empty set is 0.
func Aggregate(ctx context.Context, items []any, op AggOp, field string) (any, error) {
	if op == AggCount {
		return float64(len(items)), nil
	}

	type partial struct {
		sum      float64
		n        int
		min, max float64
		hasMin   bool
	}

	fold := func(chunk []any) partial {
		var p partial
		for _, item := range chunk {
			val, ok := fieldOf(item, field)
			if !ok {
				continue
			}
			f, ok := asFloat(val)
			if !ok {
				continue
			}
			p.sum += f
			p.n++
			if !p.hasMin || f < p.min {
				p.min = f
				p.hasMin = true
			}
			if p.n == 1 || f > p.max {
				p.max = f
			}
		}
		return p
	}

	n := len(items)
	chunks := numChunks(n)
	var partials []partial
	if chunks <= 1 {
		partials = []partial{fold(items)}
	} else {
		chunkSize := (n + chunks - 1) / chunks
		partials = make([]partial, chunks)
		g, _ := errgroup.WithContext(ctx)
		for c := 0; c < chunks; c++ {
			c := c
			start := c * chunkSize
			end := start + chunkSize
			if start >= n {
				continue
			}
			if end > n {
				end = n
			}
			g.Go(func() error {
				partials[c] = fold(items[start:end])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	combined := partial{}
	for _, p := range partials {
		if p.n == 0 {
			continue
		}
		combined.sum += p.sum
		if combined.n == 0 || p.min < combined.min {
			combined.min = p.min
		}
		if combined.n == 0 || p.max > combined.max {
			combined.max = p.max
		}
		combined.n += p.n
	}

	switch op {
	case AggSum:
		return combined.sum, nil
	case AggAvg:
		if combined.n == 0 {
			return float64(0), nil
		}
		return combined.sum / float64(combined.n), nil
	case AggMin:
		if combined.n == 0 {
			return nil, nil
		}
		return combined.min, nil
	case AggMax:
		if combined.n == 0 {
			return nil, nil
		}
		return combined.max, nil
	default:
		return nil, fmt.Errorf("parallel: unknown aggregate op %q", op)
	}
}

// bucketKey normalizes a join key field to a comparable string for
// use as a hash-join bucket key.
func bucketKey(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return formatFloat(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// HashJoin attaches, under asField, the bucket of right items whose
// rightField matches each left item's leftField, preserving left
// order.
func HashJoin(ctx context.Context, left, right []any, leftField, rightField, asField string) ([]any, error) {
	buckets := make(map[string][]any, len(right))
	for _, r := range right {
		val, ok := fieldOf(r, rightField)
		if !ok {
			continue
		}
		key := bucketKey(val)
		buckets[key] = append(buckets[key], r)
	}

	n := len(left)
	out := make([]any, n)
	chunks := numChunks(n)

	probe := func(start, end int) {
		for i := start; i < end; i++ {
			item := left[i]
			m, ok := item.(map[string]any)
			if !ok {
				out[i] = item
				continue
			}
			cloned := make(map[string]any, len(m)+1)
			for k, v := range m {
				cloned[k] = v
			}
			var matched []any
			if val, ok := fieldOf(item, leftField); ok {
				matched = buckets[bucketKey(val)]
			}
			cloned[asField] = append([]any(nil), matched...)
			out[i] = cloned
		}
	}

	if chunks <= 1 {
		probe(0, n)
		return out, nil
	}

	chunkSize := (n + chunks - 1) / chunks
	g, _ := errgroup.WithContext(ctx)
	for c := 0; c < chunks; c++ {
		start := c * chunkSize
		end := start + chunkSize
		if start >= n {
			continue
		}
		if end > n {
			end = n
		}
		g.Go(func() error {
			probe(start, end)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
