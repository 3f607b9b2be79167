package kvdoc

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// IndexDef declares an equality index over a collection, as listed in
// Options.Indices.
type IndexDef struct {
	Name           string
	CollectionPath string
	Field          string
}

type indexEntry struct {
	value string
	path  string
}

// index is the runtime state for one declared index: a hash map from
// the xxhash of the field value's normalized string form to the
// (still exact-matched) entries sharing that hash.
type index struct {
	def     IndexDef
	colSegs []string
	mu      sync.RWMutex
	buckets map[uint64][]indexEntry
}

// IndexStore tracks every declared index and keeps it incrementally
// consistent with the tree as mutations arrive.
type IndexStore struct {
	byName map[string]*index
	order  []string
}

func newIndexStore(defs []IndexDef) (*IndexStore, error) {
	is := &IndexStore{byName: make(map[string]*index)}
	for _, def := range defs {
		if _, dup := is.byName[def.Name]; dup {
			return nil, fmt.Errorf("kvdoc: duplicate index name %q", def.Name)
		}
		segs, err := parsePath(def.CollectionPath)
		if err != nil {
			return nil, err
		}
		is.byName[def.Name] = &index{def: def, colSegs: segs, buckets: make(map[uint64][]indexEntry)}
		is.order = append(is.order, def.Name)
	}
	return is, nil
}

func normalizeFieldValue(v *Value) (string, bool) {
	if v == nil {
		return "", false
	}
	switch v.kind {
	case KindString:
		return "s:" + v.s, true
	case KindNumber:
		return "n:" + strconv.FormatFloat(v.n, 'g', -1, 64), true
	case KindBool:
		if v.b {
			return "b:true", true
		}
		return "b:false", true
	case KindNull:
		return "z:", true
	default:
		return "", false
	}
}

func hashFieldValue(norm string) uint64 {
	return xxhash.Sum64String(norm)
}

func (idx *index) put(value, path string) {
	h := hashFieldValue(value)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.buckets[h] = append(idx.buckets[h], indexEntry{value: value, path: path})
}

func (idx *index) remove(value, path string) {
	h := hashFieldValue(value)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	bucket := idx.buckets[h]
	for i, e := range bucket {
		if e.value == value && e.path == path {
			idx.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(idx.buckets[h]) == 0 {
		delete(idx.buckets, h)
	}
}

func (idx *index) lookup(value string) []string {
	h := hashFieldValue(value)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []string
	for _, e := range idx.buckets[h] {
		if e.value == value {
			out = append(out, e.path)
		}
	}
	return out
}

func (idx *index) reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.buckets = make(map[uint64][]indexEntry)
}

func fieldValueOf(doc *Value, field string) (string, bool) {
	if doc == nil || doc.IsNull() || doc.Kind() != KindObject {
		return "", false
	}
	fv, ok := doc.Field(field)
	if !ok {
		return "", false
	}
	return normalizeFieldValue(fv)
}

// onMutation performs the incremental per-index update for a single
// mutation at mutatedPath that moved the tree from oldRoot to newRoot.
func (is *IndexStore) onMutation(oldRoot, newRoot *Value, mutatedPath string) error {
	segs, err := parsePath(mutatedPath)
	if err != nil {
		return err
	}
	for _, name := range is.order {
		idx := is.byName[name]
		if !isPathPrefix(idx.colSegs, segs) || len(segs) <= len(idx.colSegs) {
			continue
		}
		docSegs := append(append([]string(nil), idx.colSegs...), segs[len(idx.colSegs)])
		docPath := joinPath(docSegs)
		oldDoc, _ := getAt(oldRoot, docSegs)
		newDoc, _ := getAt(newRoot, docSegs)
		oldVal, oldOK := fieldValueOf(oldDoc, idx.def.Field)
		newVal, newOK := fieldValueOf(newDoc, idx.def.Field)
		if oldOK && (!newOK || oldVal != newVal) {
			idx.remove(oldVal, docPath)
		}
		if newOK && (!oldOK || oldVal != newVal) {
			idx.put(newVal, docPath)
		}
	}
	return nil
}

// findByIndex returns the first path recorded for value under the
// named index. The full matching set is available from
// findAllByIndex.
func (is *IndexStore) findByIndex(name string, value *Value) (string, bool, error) {
	idx, ok := is.byName[name]
	if !ok {
		return "", false, &IndexError{Name: name}
	}
	norm, ok := normalizeFieldValue(value)
	if !ok {
		return "", false, nil
	}
	paths := idx.lookup(norm)
	if len(paths) == 0 {
		return "", false, nil
	}
	return paths[0], true, nil
}

func (is *IndexStore) findAllByIndex(name string, value *Value) ([]string, error) {
	idx, ok := is.byName[name]
	if !ok {
		return nil, &IndexError{Name: name}
	}
	norm, ok := normalizeFieldValue(value)
	if !ok {
		return nil, nil
	}
	return idx.lookup(norm), nil
}

// indexForField reports the declared index (if any) over collPath /
// field, used by the parallel executor to seed an equality filter
// instead of a full scan.
func (is *IndexStore) indexForField(collPath, field string) *index {
	for _, name := range is.order {
		idx := is.byName[name]
		if idx.def.CollectionPath == collPath && idx.def.Field == field {
			return idx
		}
	}
	return nil
}

// rebuild performs a full scan of root to recompute every index from
// scratch, used on open when no sidecar is present or a sidecar is
// stale.
func (is *IndexStore) rebuild(root *Value) {
	for _, name := range is.order {
		rebuildIndex(is.byName[name], root)
	}
}

// rebuildIndex recomputes a single index from a full scan of root,
// used both by IndexStore.rebuild and by per-index sidecar recovery.
func rebuildIndex(idx *index, root *Value) {
	idx.reset()
	coll, ok := getAt(root, idx.colSegs)
	if !ok || coll.Kind() != KindObject {
		return
	}
	for _, key := range coll.Keys() {
		doc, _ := coll.Field(key)
		val, ok := fieldValueOf(doc, idx.def.Field)
		if !ok {
			continue
		}
		docSegs := append(append([]string(nil), idx.colSegs...), key)
		idx.put(val, joinPath(docSegs))
	}
}

// sidecarFile is the on-disk shape of an index sidecar
// (<path>.<indexName>.idx), msgpack-encoded.
type sidecarFile struct {
	CheckpointLSN uint64
	Entries       []sidecarEntry
}

type sidecarEntry struct {
	Value string
	Paths []string
}

func (idx *index) encodeSidecar(checkpointLSN uint64) ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	byValue := make(map[string][]string)
	for _, bucket := range idx.buckets {
		for _, e := range bucket {
			byValue[e.value] = append(byValue[e.value], e.path)
		}
	}
	sf := sidecarFile{CheckpointLSN: checkpointLSN}
	for val, paths := range byValue {
		sort.Strings(paths)
		sf.Entries = append(sf.Entries, sidecarEntry{Value: val, Paths: paths})
	}
	sort.Slice(sf.Entries, func(i, j int) bool { return sf.Entries[i].Value < sf.Entries[j].Value })
	return msgpack.Marshal(&sf)
}

func decodeSidecar(data []byte) (*sidecarFile, error) {
	var sf sidecarFile
	if err := msgpack.Unmarshal(data, &sf); err != nil {
		return nil, err
	}
	return &sf, nil
}

// adopt loads a previously-encoded sidecar's entries into idx,
// bypassing put's incremental bookkeeping since this is a bulk load.
func (idx *index) adopt(sf *sidecarFile) {
	idx.reset()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range sf.Entries {
		h := hashFieldValue(e.Value)
		for _, p := range e.Paths {
			idx.buckets[h] = append(idx.buckets[h], indexEntry{value: e.Value, path: p})
		}
	}
}
