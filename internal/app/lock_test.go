package app

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	boxerrors "github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
)

func TestAcquireLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, nil)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if lock.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", lock.PID, os.Getpid())
	}

	held, ok := IsLocked(dir)
	if !ok || held.PID != os.Getpid() {
		t.Fatalf("IsLocked() = %v, %v; want our pid", held, ok)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, ok := IsLocked(dir); ok {
		t.Error("IsLocked() = true after Release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestAcquireLock_HeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir, nil)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	defer first.Release()

	_, err = AcquireLock(dir, nil)
	if !errors.Is(err, ErrRuntimeLocked) {
		t.Fatalf("second AcquireLock() error = %v, want ErrRuntimeLocked", err)
	}
	if boxerrors.KindOf(err) != boxerrors.KindConflict {
		t.Errorf("KindOf() = %v, want conflict", boxerrors.KindOf(err))
	}
	var conflict *boxerrors.ConflictError
	if !errors.As(err, &conflict) || conflict.Holder != first.Holder() {
		t.Errorf("holder = %v, want %q", conflict, first.Holder())
	}
}

func TestAcquireLock_CleansStaleLock(t *testing.T) {
	dir := t.TempDir()
	stale := Lock{PID: 1 << 30, Hostname: "gone", StartedAt: time.Now().Add(-time.Hour)}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(filepath.Join(dir, LockFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := IsLocked(dir); ok {
		t.Fatal("stale lock reported as held")
	}
	lock, err := AcquireLock(dir, nil)
	if err != nil {
		t.Fatalf("AcquireLock() over stale lock error = %v", err)
	}
	defer lock.Release()
	if lock.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", lock.PID, os.Getpid())
	}
}

func TestRelease_NotOwned(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	other := Lock{PID: lock.PID + 1, Hostname: "elsewhere"}
	data, _ := json.Marshal(other)
	path := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("Release removed a lock owned by another process")
	}
}

func TestReadLock_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadLock(path); err == nil {
		t.Error("ReadLock() on corrupt file should fail")
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}
