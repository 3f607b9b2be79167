package kvdoc

// Tx is the handle passed to the function given to Engine.Transaction.
// It embeds *Engine so fn can call the usual Set/Delete/Push/... ops
// directly, plus Savepoint/RollbackTo for nested-transaction rollback.
type Tx struct {
	*Engine
	savepoints map[string]*Value
	order      []string
}

// Transaction runs fn against a transaction handle. fn's own mutations
// commit normally as they happen; if fn returns an error, the entire
// transaction's effect is undone by restoring the root captured at
// begin.
func (e *Engine) Transaction(fn func(tx *Tx) error) error {
	if e.closed.Load() {
		return ErrClosed
	}
	preImage := e.root.Load()
	tx := &Tx{Engine: e, savepoints: make(map[string]*Value)}

	if err := fn(tx); err != nil {
		if rerr := e.rollbackToRoot(preImage); rerr != nil {
			return rerr
		}
		return err
	}
	return nil
}

// Savepoint records the current root under name, so a later
// RollbackTo(name) can undo everything since.
func (tx *Tx) Savepoint(name string) {
	if _, exists := tx.savepoints[name]; !exists {
		tx.order = append(tx.order, name)
	}
	tx.savepoints[name] = tx.root.Load()
}

// RollbackTo restores the root captured at Savepoint(name), issuing a
// compensating WAL record and re-deriving every index. Savepoints
// taken after name are discarded; name itself remains valid for a
// further RollbackTo.
func (tx *Tx) RollbackTo(name string) error {
	root, ok := tx.savepoints[name]
	if !ok {
		return &TxConflict{Savepoint: name}
	}
	if err := tx.rollbackToRoot(root); err != nil {
		return err
	}
	idx := -1
	for i, n := range tx.order {
		if n == name {
			idx = i
			break
		}
	}
	for _, n := range tx.order[idx+1:] {
		delete(tx.savepoints, n)
	}
	tx.order = tx.order[:idx+1]
	return nil
}
