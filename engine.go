package kvdoc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvdoc/kvdoc/filelock"
	"github.com/kvdoc/kvdoc/parallel"
	"github.com/kvdoc/kvdoc/wal"
)

// Options configures Open. Every field has a default matching the
// host's convenience expectations: wal:true alone is enough to get a
// durable, exclusively-locked store.
type Options struct {
	Indices []IndexDef
	Schemas map[string]*FieldSchema

	WAL           bool
	Durability    string // "none", "lazy", "batched", "sync"; derived from WAL if empty
	WALBatchSize  int
	WALFlushEvery time.Duration

	LockMode      string // "exclusive", "shared", "none"; derived from WAL if empty
	LockTimeout   time.Duration
	EncryptionKey string

	AutoSaveInterval     time.Duration
	SlowQueryThreshold   time.Duration
	Logger               *slog.Logger
	Verbose              bool
}

func (o Options) withDefaults() (Options, error) {
	out := o
	if out.LockMode == "" {
		if out.WAL {
			out.LockMode = "exclusive"
		} else {
			out.LockMode = "none"
		}
	}
	if out.Durability == "" {
		if out.WAL {
			out.Durability = "batched"
		} else {
			out.Durability = "none"
		}
	}
	if out.AutoSaveInterval <= 0 {
		out.AutoSaveInterval = time.Second
	}
	if out.WALBatchSize <= 0 {
		out.WALBatchSize = 1000
	}
	if out.WALFlushEvery <= 0 {
		out.WALFlushEvery = 10 * time.Millisecond
	}
	if out.SlowQueryThreshold <= 0 {
		out.SlowQueryThreshold = 100 * time.Millisecond
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if _, err := filelock.ParseMode(out.LockMode); err != nil {
		return out, fmt.Errorf("kvdoc: %w", err)
	}
	if _, err := wal.ParseDurability(out.Durability); err != nil {
		return out, fmt.Errorf("kvdoc: %w", err)
	}
	return out, nil
}

// Engine orchestrates the value tree, path parser, index store,
// schema validator, WAL, file lock, and encryption filter behind one
// serialized write path and a lock-free read path.
type Engine struct {
	path string
	opt  Options

	root atomic.Pointer[Value]

	writeLock sync.Mutex
	walLog    *wal.WAL
	lock      *filelock.Lock
	indexes   *IndexStore
	schemas   *schemaValidator
	ef        *encryptionFilter
	logger    *slog.Logger

	checkpointLSN uint64
	closed        atomic.Bool

	subscribers []subscription
	beforeHooks []beforeEntry
	afterHooks  []afterEntry

	autosaveTimer *time.Timer
	dirty         bool
}

// Open acquires the file lock, loads the snapshot, replays the WAL
// tail, and adopts or rebuilds every declared index.
func Open(path string, opt Options) (*Engine, error) {
	opt, err := opt.withDefaults()
	if err != nil {
		return nil, err
	}
	lockMode, _ := filelock.ParseMode(opt.LockMode)
	durability, _ := wal.ParseDurability(opt.Durability)

	lk, err := filelock.Acquire(lockPath(path), lockMode, opt.LockTimeout)
	if err != nil {
		return nil, &LockError{Path: path, Mode: opt.LockMode, Err: err}
	}

	ef := newEncryptionFilter(opt.EncryptionKey)

	root, checkpointLSN, err := loadSnapshot(path, ef)
	if err != nil {
		lk.Release()
		return nil, err
	}

	indexes, err := newIndexStore(opt.Indices)
	if err != nil {
		lk.Release()
		return nil, err
	}
	schemas, err := newSchemaValidator(opt.Schemas)
	if err != nil {
		lk.Release()
		return nil, err
	}

	// Indexes are populated against the checkpoint-time tree first;
	// replayWAL then brings them incrementally up to date as it
	// applies the WAL tail, so a sidecar covering only the checkpoint
	// still ends up consistent with the post-replay tree.
	loadOrRebuildIndexes(path, indexes, root, checkpointLSN)

	w, err := wal.Open(walPath(path), wal.Options{
		Durability: durability,
		BatchSize:  opt.WALBatchSize,
		FlushEvery: opt.WALFlushEvery,
		Logger:     opt.Logger,
	})
	if err != nil {
		lk.Release()
		return nil, err
	}

	root, lastLSN, err := replayWAL(walPath(path), root, checkpointLSN, indexes)
	if err != nil {
		w.Close()
		lk.Release()
		return nil, err
	}
	w.SetNextLSN(lastLSN + 1)

	e := &Engine{
		path:          path,
		opt:           opt,
		walLog:        w,
		lock:          lk,
		indexes:       indexes,
		schemas:       schemas,
		ef:            ef,
		logger:        opt.Logger,
		checkpointLSN: checkpointLSN,
	}
	e.root.Store(root)

	if durability == wal.DurabilityNone {
		e.autosaveTimer = time.AfterFunc(opt.AutoSaveInterval, e.autosaveFire)
	}

	e.logger.Info("kvdoc: opened", "path", path, "durability", opt.Durability, "lockMode", opt.LockMode, "checkpointLSN", checkpointLSN, "recoveredLSN", lastLSN)
	return e, nil
}

func (e *Engine) autosaveFire() {
	e.writeLock.Lock()
	dirty := e.dirty
	e.writeLock.Unlock()
	if !dirty || e.closed.Load() {
		e.rearmAutosave()
		return
	}
	if err := e.Save(); err != nil {
		e.logger.Warn("kvdoc: autosave failed", "path", e.path, "error", err)
	}
	e.rearmAutosave()
}

func (e *Engine) rearmAutosave() {
	if e.closed.Load() {
		return
	}
	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	if e.autosaveTimer != nil {
		e.autosaveTimer.Reset(e.opt.AutoSaveInterval)
	}
}

// Close flushes, checkpoints, and releases the file lock.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.autosaveTimer != nil {
		e.autosaveTimer.Stop()
	}
	if err := e.Save(); err != nil {
		return err
	}
	if err := e.walLog.Close(); err != nil {
		return err
	}
	return e.lock.Release()
}

// Get resolves path against the current tree without taking the
// write lock.
func (e *Engine) Get(path string) (*Value, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	return getAt(e.root.Load(), segs)
}

func (e *Engine) Has(path string) bool {
	_, ok := e.Get(path)
	return ok
}

// commit is the shared write path: before-hooks, schema validation
// (set only), tree mutation, WAL append, index update, publish,
// after-hooks/subscribers, and autosave rearming, all under one
// writeLock acquisition per call.
func (e *Engine) commit(
	method, path string,
	value *Value,
	compute func(root *Value, segs []string, value *Value) (*Value, *Value, error),
	walOp wal.Op,
	payload func(newRoot *Value, segs []string, value *Value) ([]byte, error),
) (*Value, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	e.writeLock.Lock()
	defer e.writeLock.Unlock()

	if e.lock.Mode() == filelock.ModeShared {
		return nil, &ReadOnlyError{Op: method}
	}

	for _, h := range e.beforeHooks {
		if h.method != "" && h.method != method {
			continue
		}
		if !wildcardMatch(h.pattern, path) {
			continue
		}
		rewritten, err := h.fn(path, value)
		if err != nil {
			return nil, err
		}
		if rewritten != nil {
			value = rewritten
		}
	}

	if method == "set" {
		if err := e.schemas.validate(path, value); err != nil {
			return nil, err
		}
	}

	root := e.root.Load()
	newRoot, old, err := compute(root, segs, value)
	if err != nil {
		return nil, err
	}

	var pb []byte
	if payload != nil {
		if pb, err = payload(newRoot, segs, value); err != nil {
			return nil, err
		}
	}
	if _, err := e.walLog.Append(walOp, path, pb); err != nil {
		return nil, err
	}

	if e.indexes != nil {
		_ = e.indexes.onMutation(root, newRoot, path)
	}
	e.root.Store(newRoot)
	e.dirty = true

	newVal, _ := getAt(newRoot, segs)
	e.notifyLocked(method, path, newVal, old)

	if e.autosaveTimer != nil {
		e.autosaveTimer.Reset(e.opt.AutoSaveInterval)
	}
	if d := time.Since(start); d >= e.opt.SlowQueryThreshold {
		e.logger.Warn("kvdoc: slow_query", "op", method, "path", path, "duration", d)
	}
	return old, nil
}

// Set replaces the value at path, validating against any schema whose
// prefix matches path before the mutation is applied.
func (e *Engine) Set(path string, value *Value) (*Value, error) {
	if value == nil {
		value = Null()
	}
	return e.commit("set", path, value,
		func(root *Value, segs []string, v *Value) (*Value, *Value, error) {
			return setAt(root, segs, v)
		},
		wal.OpSet,
		func(_ *Value, _ []string, v *Value) ([]byte, error) { return json.Marshal(v) },
	)
}

// Delete removes the value at path, reporting what was there.
func (e *Engine) Delete(path string) (*Value, error) {
	return e.commit("delete", path, nil,
		func(root *Value, segs []string, _ *Value) (*Value, *Value, error) {
			newRoot, old, _, err := deleteAt(root, segs)
			return newRoot, old, err
		},
		wal.OpDelete, nil,
	)
}

// Push appends items to the array at path, deduplicating by deep
// equality against both the existing elements and each other.
func (e *Engine) Push(path string, items ...*Value) error {
	_, err := e.commit("push", path, nil,
		func(root *Value, segs []string, _ *Value) (*Value, *Value, error) {
			return pushAt(root, segs, items)
		},
		wal.OpPush,
		func(_ *Value, _ []string, _ *Value) ([]byte, error) {
			return json.Marshal(&Value{kind: KindArray, arr: items})
		},
	)
	return err
}

// Pull removes every element deep-equal to any of items from the
// array at path. The WAL records this as a plain set of the resulting
// array, matching the engine table's "pull... as set" contract.
func (e *Engine) Pull(path string, items ...*Value) error {
	_, err := e.commit("pull", path, nil,
		func(root *Value, segs []string, _ *Value) (*Value, *Value, error) {
			return pullAt(root, segs, items)
		},
		wal.OpSet,
		func(newRoot *Value, segs []string, _ *Value) ([]byte, error) {
			v, _ := getAt(newRoot, segs)
			return json.Marshal(v)
		},
	)
	return err
}

func (e *Engine) addNum(method, path string, delta float64) (float64, error) {
	old, err := e.commit(method, path, nil,
		func(root *Value, segs []string, _ *Value) (*Value, *Value, error) {
			cur, _ := getAt(root, segs)
			base := 0.0
			if cur != nil && !cur.IsNull() {
				n, ok := cur.AsNumber()
				if !ok {
					return nil, nil, typeErrf(path, "add target is a %s, not a number", cur.Kind())
				}
				base = n
			}
			return setAt(root, segs, Number(base+delta))
		},
		wal.OpAddNum,
		func(_ *Value, _ []string, _ *Value) ([]byte, error) { return json.Marshal(delta) },
	)
	if err != nil {
		return 0, err
	}
	base := 0.0
	if old != nil && !old.IsNull() {
		base, _ = old.AsNumber()
	}
	return base + delta, nil
}

// Add performs a numeric read-modify-write, treating an absent target
// as 0, and returns the new value.
func (e *Engine) Add(path string, n float64) (float64, error) { return e.addNum("add", path, n) }

// Subtract is Add with the sign flipped; it shares the add-num WAL
// opcode since the replayed delta is signed.
func (e *Engine) Subtract(path string, n float64) (float64, error) {
	return e.addNum("subtract", path, -n)
}

// FindByIndex returns the document at the first path recorded under
// the named index for value.
func (e *Engine) FindByIndex(name string, value *Value) (*Value, bool, error) {
	path, ok, err := e.indexes.findByIndex(name, value)
	if err != nil || !ok {
		return nil, ok, err
	}
	v, found := e.Get(path)
	return v, found, nil
}

// FindAllByIndex returns every document path recorded under the named
// index for value, in the order the index holds them: insertion order
// for entries added since open, sorted path order for entries adopted
// from a sidecar file.
func (e *Engine) FindAllByIndex(name string, value *Value) ([]string, error) {
	return e.indexes.findAllByIndex(name, value)
}

// Save forces an atomic checkpoint: a fresh snapshot write plus index
// sidecars plus WAL truncation to a single marker.
func (e *Engine) Save() error {
	e.writeLock.Lock()
	root := e.root.Load()
	status := e.walLog.Status()
	lsn := status.NextLSN
	if lsn > 0 {
		lsn--
	}
	e.writeLock.Unlock()

	if err := writeSnapshotAtomic(e.path, root, lsn, e.ef); err != nil {
		return err
	}
	if err := saveSidecars(e.path, e.indexes, lsn); err != nil {
		return err
	}
	if err := e.walLog.Checkpoint(lsn); err != nil {
		return err
	}

	e.writeLock.Lock()
	e.checkpointLSN = lsn
	e.dirty = false
	e.writeLock.Unlock()
	e.logger.Info("kvdoc: checkpoint complete", "path", e.path, "checkpointLSN", lsn)
	return nil
}

// Sync blocks until every WAL record accepted so far has been fsynced.
func (e *Engine) Sync() error {
	return e.walLog.Sync()
}

// BatchOp is one operation within a Batch call.
type BatchOp struct {
	Kind  string // "set", "delete", "push", "pull", "add", "subtract"
	Path  string
	Value *Value
	Items []*Value
	Delta float64
}

// Batch applies ops in order under a single write-lock acquisition. On
// the first failing op, every op already applied in this batch is
// rolled back via a compensating whole-root WAL record, so a batch is
// atomic from the caller's perspective even though it is not one WAL
// record.
func (e *Engine) Batch(ops []BatchOp) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.writeLock.Lock()

	preImage := e.root.Load()
	root := preImage
	var applyErr error

	for i, op := range ops {
		segs, err := parsePath(op.Path)
		if err != nil {
			applyErr = fmt.Errorf("kvdoc: batch op %d (%s %s): %w", i, op.Kind, op.Path, err)
			break
		}

		var newRoot *Value
		var walOp wal.Op
		var payload []byte

		switch op.Kind {
		case "set":
			if err = e.schemas.validate(op.Path, op.Value); err == nil {
				newRoot, _, err = setAt(root, segs, op.Value)
			}
			walOp = wal.OpSet
			if err == nil {
				payload, err = json.Marshal(op.Value)
			}
		case "delete":
			newRoot, _, _, err = deleteAt(root, segs)
			walOp = wal.OpDelete
		case "push":
			newRoot, _, err = pushAt(root, segs, op.Items)
			walOp = wal.OpPush
			if err == nil {
				payload, err = json.Marshal(&Value{kind: KindArray, arr: op.Items})
			}
		case "pull":
			newRoot, _, err = pullAt(root, segs, op.Items)
			walOp = wal.OpSet
			if err == nil {
				var v *Value
				v, _ = getAt(newRoot, segs)
				payload, err = json.Marshal(v)
			}
		case "add", "subtract":
			delta := op.Delta
			if op.Kind == "subtract" {
				delta = -delta
			}
			base := 0.0
			if cur, ok := getAt(root, segs); ok && !cur.IsNull() {
				var numOK bool
				base, numOK = cur.AsNumber()
				if !numOK {
					err = typeErrf(op.Path, "add target is a %s, not a number", cur.Kind())
				}
			}
			if err == nil {
				newRoot, _, err = setAt(root, segs, Number(base+delta))
			}
			walOp = wal.OpAddNum
			if err == nil {
				payload, err = json.Marshal(delta)
			}
		default:
			err = fmt.Errorf("kvdoc: unknown batch op %q", op.Kind)
		}

		if err != nil {
			applyErr = fmt.Errorf("kvdoc: batch op %d (%s %s): %w", i, op.Kind, op.Path, err)
			break
		}
		if _, err := e.walLog.Append(walOp, op.Path, payload); err != nil {
			applyErr = err
			break
		}
		if e.indexes != nil {
			_ = e.indexes.onMutation(root, newRoot, op.Path)
		}
		root = newRoot
	}

	if applyErr != nil {
		e.root.Store(preImage)
		if e.indexes != nil {
			e.indexes.rebuild(preImage)
		}
		if payload, merr := json.Marshal(preImage); merr == nil {
			_, _ = e.walLog.Append(wal.OpSet, "", payload)
		}
		e.writeLock.Unlock()
		return applyErr
	}

	e.root.Store(root)
	e.dirty = true
	if e.autosaveTimer != nil {
		e.autosaveTimer.Reset(e.opt.AutoSaveInterval)
	}
	e.writeLock.Unlock()
	return nil
}

// rollbackToRoot restores root as a compensating whole-root WAL
// record, rebuilds every index against it, and publishes it. Used by
// Transaction and Tx.RollbackTo.
func (e *Engine) rollbackToRoot(root *Value) error {
	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	payload, err := json.Marshal(root)
	if err != nil {
		return err
	}
	if _, err := e.walLog.Append(wal.OpSet, "", payload); err != nil {
		return err
	}
	if e.indexes != nil {
		e.indexes.rebuild(root)
	}
	e.root.Store(root)
	e.dirty = true
	return nil
}

// ParallelQuery runs a data-parallel filter over a collection. A
// leading equality filter that matches a declared index seeds
// candidates from that index instead of a full scan.
func (e *Engine) ParallelQuery(ctx context.Context, collectionPath string, filters []parallel.Filter) ([]any, error) {
	segs, err := parsePath(collectionPath)
	if err != nil {
		return nil, err
	}
	root := e.root.Load()
	coll, ok := getAt(root, segs)
	if !ok || coll.Kind() != KindObject {
		return nil, nil
	}

	if len(filters) > 0 && filters[0].Op == parallel.OpEq {
		if idx := e.indexes.indexForField(collectionPath, filters[0].Field); idx != nil {
			if v, verr := ValueFrom(filters[0].Value); verr == nil {
				paths, _ := e.indexes.findAllByIndex(idx.def.Name, v)
				items := make([]any, 0, len(paths))
				for _, p := range paths {
					dsegs, perr := parsePath(p)
					if perr != nil {
						continue
					}
					if doc, found := getAt(root, dsegs); found {
						items = append(items, doc.ToAny())
					}
				}
				return parallel.FilterItems(ctx, items, filters[1:])
			}
		}
	}

	keys := coll.Keys()
	items := make([]any, 0, len(keys))
	for _, k := range keys {
		doc, _ := coll.Field(k)
		items = append(items, doc.ToAny())
	}
	return parallel.FilterItems(ctx, items, filters)
}

// ParallelAggregate runs a data-parallel fold over a collection.
func (e *Engine) ParallelAggregate(ctx context.Context, collectionPath string, op parallel.AggOp, field string) (any, error) {
	segs, err := parsePath(collectionPath)
	if err != nil {
		return nil, err
	}
	coll, ok := getAt(e.root.Load(), segs)
	if !ok || coll.Kind() != KindObject {
		return parallel.Aggregate(ctx, nil, op, field)
	}
	items := make([]any, 0, coll.Len())
	for _, k := range coll.Keys() {
		doc, _ := coll.Field(k)
		items = append(items, doc.ToAny())
	}
	return parallel.Aggregate(ctx, items, op, field)
}

// ParallelLookup runs a data-parallel hash-join between two collections.
func (e *Engine) ParallelLookup(ctx context.Context, leftPath, rightPath, leftField, rightField, asField string) ([]any, error) {
	root := e.root.Load()
	leftSegs, err := parsePath(leftPath)
	if err != nil {
		return nil, err
	}
	rightSegs, err := parsePath(rightPath)
	if err != nil {
		return nil, err
	}

	leftColl, ok := getAt(root, leftSegs)
	if !ok || leftColl.Kind() != KindObject {
		return nil, nil
	}
	leftItems := make([]any, 0, leftColl.Len())
	for _, k := range leftColl.Keys() {
		doc, _ := leftColl.Field(k)
		leftItems = append(leftItems, doc.ToAny())
	}

	var rightItems []any
	if rightColl, ok := getAt(root, rightSegs); ok && rightColl.Kind() == KindObject {
		rightItems = make([]any, 0, rightColl.Len())
		for _, k := range rightColl.Keys() {
			doc, _ := rightColl.Field(k)
			rightItems = append(rightItems, doc.ToAny())
		}
	}

	return parallel.HashJoin(ctx, leftItems, rightItems, leftField, rightField, asField)
}
