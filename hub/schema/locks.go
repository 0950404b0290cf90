package schema

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrLockContended is returned when a conditional lock update matches no rows,
// meaning another operation currently holds a conflicting lock. Callers
// surface it as 423.
var ErrLockContended = errors.New("resource is locked by another operation")

// LockRef identifies a lockable row. Every lockable table carries the columns
// rd_locks (int) and wr_lock (bool).
type LockRef struct {
	Model interface{}
	Id    uuid.UUID
	Desc  string
}

func (u *User) LockRef() LockRef {
	return LockRef{Model: &User{}, Id: u.Id, Desc: fmt.Sprintf("user %v", u.Username)}
}

func (w *Workspace) LockRef() LockRef {
	return LockRef{Model: &Workspace{}, Id: w.Id, Desc: fmt.Sprintf("workspace %v", w.Name)}
}

func (r *ResourceConfig) LockRef() LockRef {
	return LockRef{Model: &ResourceConfig{}, Id: r.Id, Desc: r.Urn}
}

func readLock(db *gorm.DB, ref LockRef) error {
	result := db.Model(ref.Model).
		Where("id = ? AND wr_lock = ?", ref.Id, false).
		UpdateColumn("rd_locks", gorm.Expr("rd_locks + 1"))
	if result.Error != nil {
		slog.Error("sql error acquiring read lock", "target", ref.Desc, "error", result.Error)
		return ErrDbAccessFailed
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %v", ErrLockContended, ref.Desc)
	}
	return nil
}

func writeLock(db *gorm.DB, ref LockRef) error {
	result := db.Model(ref.Model).
		Where("id = ? AND wr_lock = ? AND rd_locks = 0", ref.Id, false).
		UpdateColumn("wr_lock", true)
	if result.Error != nil {
		slog.Error("sql error acquiring write lock", "target", ref.Desc, "error", result.Error)
		return ErrDbAccessFailed
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %v", ErrLockContended, ref.Desc)
	}
	return nil
}

func readUnlock(db *gorm.DB, ref LockRef) {
	result := db.Model(ref.Model).
		Where("id = ? AND rd_locks > 0", ref.Id).
		UpdateColumn("rd_locks", gorm.Expr("rd_locks - 1"))
	if result.Error != nil {
		slog.Error("sql error releasing read lock", "target", ref.Desc, "error", result.Error)
	}
}

func writeUnlock(db *gorm.DB, ref LockRef) {
	result := db.Model(ref.Model).
		Where("id = ?", ref.Id).
		UpdateColumn("wr_lock", false)
	if result.Error != nil {
		slog.Error("sql error releasing write lock", "target", ref.Desc, "error", result.Error)
	}
}

type heldLock struct {
	ref   LockRef
	write bool
}

// LockSet tracks lock acquisitions for one operation so they can be released
// exactly once, in reverse acquisition order. Typical usage:
//
//	locks := schema.NewLockSet(db)
//	defer locks.Release()
//
// Unlock only touches storage for locks this set actually acquired, which
// makes Release idempotent and safe on partially failed acquisitions.
type LockSet struct {
	db   *gorm.DB
	held []heldLock
}

func NewLockSet(db *gorm.DB) *LockSet {
	return &LockSet{db: db}
}

func (s *LockSet) ReadLock(ref LockRef) error {
	if err := readLock(s.db, ref); err != nil {
		return err
	}
	s.held = append(s.held, heldLock{ref: ref, write: false})
	return nil
}

func (s *LockSet) WriteLock(ref LockRef) error {
	if err := writeLock(s.db, ref); err != nil {
		return err
	}
	s.held = append(s.held, heldLock{ref: ref, write: true})
	return nil
}

func (s *LockSet) Release() {
	for i := len(s.held) - 1; i >= 0; i-- {
		if s.held[i].write {
			writeUnlock(s.db, s.held[i].ref)
		} else {
			readUnlock(s.db, s.held[i].ref)
		}
	}
	s.held = nil
}

// AdoptWriteLock records a write lock that was acquired out of band, e.g. a
// row inserted with wr_lock already set. Release treats it like any other
// held write lock.
func (s *LockSet) AdoptWriteLock(ref LockRef) {
	s.held = append(s.held, heldLock{ref: ref, write: true})
}

// Forget drops a held lock without releasing it in storage. Used when a locked
// row was deleted: the lock columns vanished with the row.
func (s *LockSet) Forget(ref LockRef) {
	kept := s.held[:0]
	for _, h := range s.held {
		if h.ref.Id != ref.Id {
			kept = append(kept, h)
		}
	}
	s.held = kept
}

// Scoped acquisition helpers. The asymmetry between them is the referential
// integrity device: a resource's own create/delete takes a write lock on
// itself, while creating or deleting a child takes only a read lock on the
// parent. A parent therefore cannot be write-locked for deletion while any
// child exists and holds a read lock on it, and siblings stay creatable in
// parallel.

func (s *LockSet) ResourceCreate(ref LockRef, locked bool) error {
	if locked {
		return nil
	}
	return s.WriteLock(ref)
}

func (s *LockSet) ResourceDelete(ref LockRef, locked bool) error {
	if locked {
		return nil
	}
	return s.WriteLock(ref)
}

func (s *LockSet) SubResourceCreate(parent LockRef, parentLocked bool) error {
	if parentLocked {
		return nil
	}
	return s.ReadLock(parent)
}

func (s *LockSet) SubResourceDelete(parent LockRef, parentLocked bool) error {
	if parentLocked {
		return nil
	}
	return s.ReadLock(parent)
}
