package schema

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func lockTestDb(t *testing.T) (*gorm.DB, ResourceConfig) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&User{}, &Workspace{}, &ResourceConfig{}); err != nil {
		t.Fatal(err)
	}

	res := ResourceConfig{
		Id: uuid.New(), Type: TypeBenchmark, Name: "bench", Urn: "benchmark:u:w:bench",
	}
	if err := db.Create(&res).Error; err != nil {
		t.Fatal(err)
	}
	return db, res
}

func lockState(t *testing.T, db *gorm.DB, id uuid.UUID) (int, bool) {
	t.Helper()

	var res ResourceConfig
	if err := db.First(&res, "id = ?", id).Error; err != nil {
		t.Fatal(err)
	}
	return res.RdLocks, res.WrLock
}

func TestReadLocksBlockWriteLock(t *testing.T) {
	db, res := lockTestDb(t)

	readers := NewLockSet(db)
	if err := readers.ReadLock(res.LockRef()); err != nil {
		t.Fatal(err)
	}
	if err := readers.ReadLock(res.LockRef()); err != nil {
		t.Fatal(err)
	}

	if rd, wr := lockState(t, db, res.Id); rd != 2 || wr {
		t.Fatalf("expected 2 read locks, got rd=%d wr=%v", rd, wr)
	}

	writer := NewLockSet(db)
	err := writer.WriteLock(res.LockRef())
	if !errors.Is(err, ErrLockContended) {
		t.Fatalf("write lock should contend with readers, got %v", err)
	}

	readers.Release()

	if rd, wr := lockState(t, db, res.Id); rd != 0 || wr {
		t.Fatalf("release should clear read locks, got rd=%d wr=%v", rd, wr)
	}

	if err := writer.WriteLock(res.LockRef()); err != nil {
		t.Fatal(err)
	}
	writer.Release()
}

func TestWriteLockBlocksEverything(t *testing.T) {
	db, res := lockTestDb(t)

	writer := NewLockSet(db)
	if err := writer.WriteLock(res.LockRef()); err != nil {
		t.Fatal(err)
	}

	other := NewLockSet(db)
	if err := other.ReadLock(res.LockRef()); !errors.Is(err, ErrLockContended) {
		t.Fatalf("read lock should contend with a writer, got %v", err)
	}
	if err := other.WriteLock(res.LockRef()); !errors.Is(err, ErrLockContended) {
		t.Fatalf("second write lock should contend, got %v", err)
	}

	writer.Release()

	if err := other.ReadLock(res.LockRef()); err != nil {
		t.Fatal(err)
	}
	other.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	db, res := lockTestDb(t)

	locks := NewLockSet(db)
	if err := locks.ReadLock(res.LockRef()); err != nil {
		t.Fatal(err)
	}

	locks.Release()
	locks.Release()

	if rd, _ := lockState(t, db, res.Id); rd != 0 {
		t.Fatalf("double release must not underflow, got rd=%d", rd)
	}
}

func TestFailedAcquisitionReleasesNothing(t *testing.T) {
	db, res := lockTestDb(t)

	holder := NewLockSet(db)
	if err := holder.WriteLock(res.LockRef()); err != nil {
		t.Fatal(err)
	}

	// This set never acquires anything, so its release must not disturb the
	// holder's write lock.
	loser := NewLockSet(db)
	if err := loser.ReadLock(res.LockRef()); !errors.Is(err, ErrLockContended) {
		t.Fatal("expected contention")
	}
	loser.Release()

	if _, wr := lockState(t, db, res.Id); !wr {
		t.Fatal("failed acquisition released a lock it never held")
	}

	holder.Release()
}

func TestForget(t *testing.T) {
	db, res := lockTestDb(t)

	locks := NewLockSet(db)
	if err := locks.WriteLock(res.LockRef()); err != nil {
		t.Fatal(err)
	}

	// Simulates the row being deleted while locked: the set forgets the lock
	// and release leaves the (stale) columns alone.
	locks.Forget(res.LockRef())
	locks.Release()

	if _, wr := lockState(t, db, res.Id); !wr {
		t.Fatal("forgotten lock should not be released")
	}
}

func TestAdoptWriteLock(t *testing.T) {
	db, res := lockTestDb(t)

	if err := db.Model(&ResourceConfig{}).Where("id = ?", res.Id).
		UpdateColumn("wr_lock", true).Error; err != nil {
		t.Fatal(err)
	}

	locks := NewLockSet(db)
	locks.AdoptWriteLock(res.LockRef())
	locks.Release()

	if _, wr := lockState(t, db, res.Id); wr {
		t.Fatal("adopted write lock should be released")
	}
}

func TestScopedHelpers(t *testing.T) {
	db, res := lockTestDb(t)

	locks := NewLockSet(db)

	// With locked set the helpers are no-ops.
	if err := locks.ResourceCreate(res.LockRef(), true); err != nil {
		t.Fatal(err)
	}
	if rd, wr := lockState(t, db, res.Id); rd != 0 || wr {
		t.Fatal("locked=true should not touch the row")
	}

	if err := locks.SubResourceCreate(res.LockRef(), false); err != nil {
		t.Fatal(err)
	}
	if rd, _ := lockState(t, db, res.Id); rd != 1 {
		t.Fatal("sub-resource create should take a read lock on the parent")
	}

	// The parent cannot be write-locked for deletion while a child holds it.
	other := NewLockSet(db)
	if err := other.ResourceDelete(res.LockRef(), false); !errors.Is(err, ErrLockContended) {
		t.Fatalf("expected contention, got %v", err)
	}

	locks.Release()
}
