package kvdoc

import (
	"errors"
	"path/filepath"
	"testing"
)

// Scenario 7: nested rollback via a named savepoint.
func TestTransactionSavepointRollbackTo(t *testing.T) {
	e, err := Open(filepath.Join(t.TempDir(), "db"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if _, err := e.Set("bank.alice", Number(0)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	err = e.Transaction(func(tx *Tx) error {
		if _, err := tx.Set("bank.alice", Number(50)); err != nil {
			return err
		}
		tx.Savepoint("sp1")
		if _, err := tx.Set("bank.bob", Number(80)); err != nil {
			return err
		}
		if _, err := tx.Set("bank.charlie", Number(20)); err != nil {
			return err
		}
		return tx.RollbackTo("sp1")
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	v, ok := e.Get("bank.alice")
	if !ok {
		t.Fatalf("bank.alice: not found")
	}
	if n, _ := v.AsNumber(); n != 50 {
		t.Fatalf("bank.alice = %v, wanted 50", n)
	}
	if e.Has("bank.bob") {
		t.Fatalf("bank.bob present after rollbackTo sp1, wanted absent")
	}
	if e.Has("bank.charlie") {
		t.Fatalf("bank.charlie present after rollbackTo sp1, wanted absent")
	}
}

func TestTransactionRollbackToUnknownSavepointIsTxConflict(t *testing.T) {
	e, err := Open(filepath.Join(t.TempDir(), "db"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	err = e.Transaction(func(tx *Tx) error {
		return tx.RollbackTo("never-declared")
	})
	var tc *TxConflict
	if !errors.As(err, &tc) {
		t.Fatalf("Transaction err = %v (%T), wanted *TxConflict", err, err)
	}
}

func TestTransactionSavepointCanBeReusedAfterRollback(t *testing.T) {
	e, err := Open(filepath.Join(t.TempDir(), "db"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	err = e.Transaction(func(tx *Tx) error {
		tx.Savepoint("sp1")
		if _, err := tx.Set("a", Number(1)); err != nil {
			return err
		}
		if err := tx.RollbackTo("sp1"); err != nil {
			return err
		}
		// sp1 itself remains valid for a second rollback.
		if _, err := tx.Set("b", Number(2)); err != nil {
			return err
		}
		return tx.RollbackTo("sp1")
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if e.Has("a") || e.Has("b") {
		t.Fatalf("a/b present after final rollback to sp1, wanted both absent")
	}
}
