package pidfile

import (
	"os"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := New("Forge Pool Ctl", dir, 0)

	if err := f.Write(1234); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := f.PID()
	if err != nil {
		t.Fatalf("pid: %v", err)
	}
	if got != 1234 {
		t.Fatalf("got %d, want 1234", got)
	}

	info, err := os.Stat(f.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != DefaultMode {
		t.Fatalf("got mode %v, want %v", info.Mode().Perm(), DefaultMode)
	}
}

func TestFilenameDerivation(t *testing.T) {
	f := New("Forge Pool Ctl", "/var/run", 0)
	want := "/var/run/forge_pool_ctl.pid"
	if f.Path() != want {
		t.Fatalf("got %s, want %s", f.Path(), want)
	}
}

func TestDeleteOnlyRemovesMatchingPID(t *testing.T) {
	dir := t.TempDir()
	f := New("svc", dir, 0)
	if err := f.Write(42); err != nil {
		t.Fatal(err)
	}

	// Another process overwrites the file with a different PID.
	other := New("svc", dir, 0)
	if err := other.Write(99); err != nil {
		t.Fatal(err)
	}

	if err := f.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(f.Path()); err != nil {
		t.Fatalf("file should still exist (PID mismatch), stat error: %v", err)
	}

	if err := other.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(f.Path()); !os.IsNotExist(err) {
		t.Fatalf("file should be gone after matching delete, got err=%v", err)
	}
}

func TestAliveReportsCurrentProcess(t *testing.T) {
	dir := t.TempDir()
	f := New("svc", dir, 0)
	if err := f.Write(os.Getpid()); err != nil {
		t.Fatal(err)
	}
	alive, err := f.Alive()
	if err != nil {
		t.Fatal(err)
	}
	if !alive {
		t.Fatal("this process's own PID should report alive")
	}
}

func TestForceDeleteIsUnconditional(t *testing.T) {
	dir := t.TempDir()
	f := New("svc", dir, 0)
	if err := f.ForceDelete(); err != nil {
		t.Fatalf("force-delete on a missing file should not error: %v", err)
	}
	if err := f.Write(1); err != nil {
		t.Fatal(err)
	}
	other := New("svc", dir, 0)
	if err := other.ForceDelete(); err != nil {
		t.Fatalf("force-delete: %v", err)
	}
	if _, err := os.Stat(f.Path()); !os.IsNotExist(err) {
		t.Fatal("force-delete should remove the file unconditionally")
	}
}
