package kvdoc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kvdoc/kvdoc/wal"
)

const checkpointTrailerPrefix = "\n#checkpoint:"

func snapshotTmpPath(path string) string { return path + ".tmp" }
func walPath(path string) string         { return path + ".wal" }
func lockPath(path string) string        { return path + ".lock" }
func sidecarPath(path, indexName string) string {
	return path + "." + indexName + ".idx"
}

// loadSnapshot reads and decrypts (if configured) the snapshot file at
// path, returning an empty root if the file does not exist. A
// present but malformed file is a CorruptionError.
func loadSnapshot(path string, ef *encryptionFilter) (*Value, uint64, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Object(), 0, nil
	}
	if err != nil {
		return nil, 0, ioErrf("read", path, err)
	}

	if ef != nil {
		raw, err = ef.Decrypt(raw)
		if err != nil {
			return nil, 0, err
		}
	}

	jsonPart := raw
	var checkpointLSN uint64
	if idx := bytes.LastIndex(raw, []byte(checkpointTrailerPrefix)); idx >= 0 {
		jsonPart = raw[:idx]
		trailer := raw[idx+len(checkpointTrailerPrefix):]
		trailer = bytes.TrimRight(trailer, "\n")
		n, perr := strconv.ParseUint(string(trailer), 10, 64)
		if perr == nil {
			checkpointLSN = n
		}
	}

	root := Object()
	if err := json.Unmarshal(jsonPart, root); err != nil {
		return nil, 0, corruptionErrf(path, err, "snapshot is not valid JSON")
	}
	if root.Kind() != KindObject {
		return nil, 0, corruptionErrf(path, nil, "snapshot root is not an object")
	}
	return root, checkpointLSN, nil
}

// writeSnapshotAtomic performs a checkpoint write: serialize to a
// temp file, fsync, rename over the real path, fsync the parent
// directory.
func writeSnapshotAtomic(path string, root *Value, checkpointLSN uint64, ef *encryptionFilter) error {
	data, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("kvdoc: marshal snapshot: %w", err)
	}
	data = append(data, []byte(fmt.Sprintf("%s%d\n", checkpointTrailerPrefix, checkpointLSN))...)

	if ef != nil {
		data, err = ef.Encrypt(data)
		if err != nil {
			return err
		}
	}

	tmp := snapshotTmpPath(path)
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return ioErrf("create", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return ioErrf("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ioErrf("fsync", tmp, err)
	}
	if err := f.Close(); err != nil {
		return ioErrf("close", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ioErrf("rename", path, err)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// replayWAL walks the WAL tail past checkpointLSN, applying each
// record to root and to the index store as it goes so that by the
// time replay finishes the indexes reflect the fully-recovered tree.
// It returns the recovered root and the highest LSN seen (or
// checkpointLSN if the tail was empty).
func replayWAL(walFile string, root *Value, checkpointLSN uint64, indexes *IndexStore) (*Value, uint64, error) {
	maxLSN := checkpointLSN
	goodOffset, err := wal.Replay(walFile, checkpointLSN, func(rec wal.Record) error {
		newRoot, err := applyWALRecord(root, rec)
		if err != nil {
			return err
		}
		if indexes != nil {
			_ = indexes.onMutation(root, newRoot, rec.Path)
		}
		root = newRoot
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if err := wal.TruncateTo(walFile, goodOffset); err != nil {
		return nil, 0, ioErrf("truncate", walFile, err)
	}
	return root, maxLSN, nil
}

func applyWALRecord(root *Value, rec wal.Record) (*Value, error) {
	segs, err := parsePath(rec.Path)
	if err != nil {
		return nil, err
	}
	switch rec.Op {
	case wal.OpSet:
		v := Object()
		if err := json.Unmarshal(rec.Payload, v); err != nil {
			return nil, corruptionErrf(rec.Path, err, "bad WAL payload")
		}
		newRoot, _, err := setAt(root, segs, v)
		return newRoot, err
	case wal.OpDelete:
		newRoot, _, _, err := deleteAt(root, segs)
		return newRoot, err
	case wal.OpPush:
		v := Array()
		if err := json.Unmarshal(rec.Payload, v); err != nil {
			return nil, corruptionErrf(rec.Path, err, "bad WAL payload")
		}
		items, _ := v.AsArray()
		newRoot, _, err := pushAt(root, segs, items)
		return newRoot, err
	case wal.OpAddNum:
		v := Number(0)
		if err := json.Unmarshal(rec.Payload, v); err != nil {
			return nil, corruptionErrf(rec.Path, err, "bad WAL payload")
		}
		delta, _ := v.AsNumber()
		cur, _ := getAt(root, segs)
		base := 0.0
		if n, ok := cur.AsNumber(); ok {
			base = n
		}
		newRoot, _, err := setAt(root, segs, Number(base+delta))
		return newRoot, err
	default:
		return root, nil
	}
}

// loadOrRebuildIndexes adopts each index's sidecar file if present and
// stamped with the snapshot's checkpointLSN; otherwise it rebuilds
// that index from a full scan of root.
func loadOrRebuildIndexes(dbPath string, indexes *IndexStore, root *Value, checkpointLSN uint64) {
	for _, name := range indexes.order {
		idx := indexes.byName[name]
		sp := sidecarPath(dbPath, name)
		data, err := os.ReadFile(sp)
		if err != nil {
			rebuildIndex(idx, root)
			continue
		}
		sf, err := decodeSidecar(data)
		if err != nil || sf.CheckpointLSN != checkpointLSN {
			rebuildIndex(idx, root)
			continue
		}
		idx.adopt(sf)
	}
}

// saveSidecars persists every index's current state, stamped with
// checkpointLSN, alongside a checkpoint.
func saveSidecars(dbPath string, indexes *IndexStore, checkpointLSN uint64) error {
	for _, name := range indexes.order {
		idx := indexes.byName[name]
		data, err := idx.encodeSidecar(checkpointLSN)
		if err != nil {
			return err
		}
		sp := sidecarPath(dbPath, name)
		if err := os.WriteFile(sp, data, 0o666); err != nil {
			return ioErrf("write", sp, err)
		}
	}
	return nil
}
