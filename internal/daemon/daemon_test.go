package daemon

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/forgepool/forgepool/internal/ferrors"
)

func spawnShortLivedProcess(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot spawn test process: %v", err)
	}
	return cmd
}

func TestNewReadyMatcherPhrase(t *testing.T) {
	m, err := newReadyMatcher(Options{ReadyPhrase: "listening on"})
	if err != nil {
		t.Fatal(err)
	}
	if !m("2026-07-31 server listening on :8080") {
		t.Fatal("expected phrase match")
	}
	if m("2026-07-31 still booting") {
		t.Fatal("unexpected match")
	}
}

func TestNewReadyMatcherRegexp(t *testing.T) {
	m, err := newReadyMatcher(Options{ReadyRegexp: `^ready pid=\d+$`})
	if err != nil {
		t.Fatal(err)
	}
	if !m("ready pid=42") {
		t.Fatal("expected regexp match")
	}
	if m("not ready yet") {
		t.Fatal("unexpected match")
	}
}

func TestNewReadyMatcherRejectsBadRegexp(t *testing.T) {
	if _, err := newReadyMatcher(Options{ReadyRegexp: "("}); err == nil {
		t.Fatal("expected a compile error for an unbalanced group")
	}
}

func TestCheckReadyFindsAppendedLine(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/out.log"
	if err := os.WriteFile(path, []byte("booting\n"), 0644); err != nil {
		t.Fatal(err)
	}
	offset, err := fileSize(path)
	if err != nil {
		t.Fatal(err)
	}

	m, _ := newReadyMatcher(Options{ReadyPhrase: "ready"})
	ok, _ := checkReady(path, offset, m, "")
	if ok {
		t.Fatal("should not be ready before the phrase is appended")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("service ready\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	ok, newOffset := checkReady(path, offset, m, "")
	if !ok {
		t.Fatal("expected the appended line to satisfy the matcher")
	}
	if newOffset <= offset {
		t.Fatal("offset should advance past the appended bytes")
	}
}

func TestCheckReadyHonorsToken(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/out.log"
	os.WriteFile(path, []byte(""), 0644)

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString("ready (wrong-token)\n")
	f.Close()

	m, _ := newReadyMatcher(Options{ReadyPhrase: "ready"})
	ok, _ := checkReady(path, 0, m, "the-real-token")
	if ok {
		t.Fatal("a ready line without the correlation token should not match")
	}
}

func TestPidDeadReportsTrueForReapedPID(t *testing.T) {
	cmd := spawnShortLivedProcess(t)
	pid := cmd.Process.Pid
	cmd.Wait()
	time.Sleep(10 * time.Millisecond)

	if !pidDead(pid) {
		t.Fatal("expected a finished process's pid to be reported dead")
	}
}

func TestWaitAliveTimesOutWhenProcessNeverAppears(t *testing.T) {
	ready, err := waitAlive(999999, 150*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ready {
		t.Fatal("an implausible pid should never report alive")
	}
}

func TestAlreadyRunningDetectsLiveProcess(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.pid"
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		t.Fatal(err)
	}

	pid, running := alreadyRunning(path)
	if !running {
		t.Fatal("expected this process's own pid to be reported running")
	}
	if pid != os.Getpid() {
		t.Fatalf("got pid %d, want %d", pid, os.Getpid())
	}
}

func TestAlreadyRunningFalseForReapedPID(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.pid"

	cmd := spawnShortLivedProcess(t)
	pid := cmd.Process.Pid
	cmd.Wait()
	time.Sleep(10 * time.Millisecond)

	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644); err != nil {
		t.Fatal(err)
	}

	if _, running := alreadyRunning(path); running {
		t.Fatal("expected a reaped pid to be reported not running")
	}
}

func TestAlreadyRunningFalseForMissingFile(t *testing.T) {
	if _, running := alreadyRunning("/nonexistent/path.pid"); running {
		t.Fatal("expected a missing pidfile to be reported not running")
	}
}

func TestStartFailsFastWhenAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.pid"
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Start(Options{PidPath: path})
	if err == nil {
		t.Fatal("expected Start to fail when PidPath already names a live process")
	}
	if !errors.Is(err, ferrors.ErrAlreadyStarted) {
		t.Fatalf("got %v, want ferrors.ErrAlreadyStarted", err)
	}
}
