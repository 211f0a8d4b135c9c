// Package pidfile implements the PidFile external collaborator (spec
// §4.E): a plain-text PID file with a configurable mode, liveness checks,
// and a delete that only removes the file if it still names this process.
//
// Liveness uses gopsutil/v3/process.PidExists, the same dependency
// sys.go uses for process introspection elsewhere in the teacher's pack.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultMode is the file permission spec §4.E/§6 names as the default.
const DefaultMode = os.FileMode(0640)

// PidFile writes and tracks this process's PID in a well-known file.
type PidFile struct {
	path string
	mode os.FileMode

	mu  sync.Mutex
	pid int
}

// New derives the pidfile's path from programName (lowercased, spaces
// replaced with underscores, ".pid" appended) joined with dir, per spec
// §4.E/§6. mode defaults to DefaultMode when zero.
func New(programName, dir string, mode os.FileMode) *PidFile {
	if mode == 0 {
		mode = DefaultMode
	}
	name := strings.ReplaceAll(strings.ToLower(programName), " ", "_") + ".pid"
	return &PidFile{path: filepath.Join(dir, name), mode: mode}
}

// Path returns the file path this PidFile reads and writes.
func (f *PidFile) Path() string { return f.path }

// Write records pid as this instance's PID and writes it to disk as
// decimal ASCII followed by a newline.
func (f *PidFile) Write(pid int) error {
	if err := os.WriteFile(f.path, []byte(strconv.Itoa(pid)+"\n"), f.mode); err != nil {
		return fmt.Errorf("pidfile: write %s: %w", f.path, err)
	}
	f.mu.Lock()
	f.pid = pid
	f.mu.Unlock()
	return nil
}

// PID returns the PID this instance wrote, or reads it from disk if this
// instance hasn't written one itself (e.g. a second process inspecting a
// running daemon's pidfile).
func (f *PidFile) PID() (int, error) {
	f.mu.Lock()
	cached := f.pid
	f.mu.Unlock()
	if cached != 0 {
		return cached, nil
	}
	return f.Read()
}

// Read parses the PID currently on disk, ignoring this instance's cached
// value.
func (f *PidFile) Read() (int, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0, fmt.Errorf("pidfile: read %s: %w", f.path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile: %s does not contain a valid PID: %w", f.path, err)
	}
	return pid, nil
}

// Delete removes the file only if it still contains this process's PID,
// so a pidfile another process has since overwritten (e.g. it restarted
// under a fresh PID while this handle is stale) is left untouched.
func (f *PidFile) Delete() error {
	f.mu.Lock()
	want := f.pid
	f.mu.Unlock()
	if want == 0 {
		return nil
	}

	onDisk, err := f.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if onDisk != want {
		return nil
	}
	return f.ForceDelete()
}

// ForceDelete removes the file unconditionally.
func (f *PidFile) ForceDelete() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: delete %s: %w", f.path, err)
	}
	return nil
}

// Alive reports whether the recorded PID names a live process.
func (f *PidFile) Alive() (bool, error) {
	pid, err := f.PID()
	if err != nil {
		return false, err
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false, fmt.Errorf("pidfile: check pid %d: %w", pid, err)
	}
	return exists, nil
}

// Kill signals the recorded PID with sig.
func (f *PidFile) Kill(sig os.Signal) error {
	pid, err := f.PID()
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("pidfile: find pid %d: %w", pid, err)
	}
	return proc.Signal(sig)
}
