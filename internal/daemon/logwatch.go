package daemon

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// waitLogReady watches opts.LogPath for a write event and checks whether
// the bytes appended since the watch began contain the ready phrase (or
// match ReadyRegexp). It also polls process liveness alongside the
// filesystem watch, since a child that dies before logging anything
// otherwise hangs the watch until Timeout.
//
// Grounded on watcher.XyWatcher's fsnotify.Watcher wiring: a single
// watched path, an event loop selecting on Events/Errors, closed on
// return.
func waitLogReady(pid int, opts Options, token string) (bool, error) {
	matcher, err := newReadyMatcher(opts)
	if err != nil {
		return false, err
	}

	offset, err := fileSize(opts.LogPath)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("daemon: logwatch: stat %s: %w", opts.LogPath, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("daemon: logwatch: new watcher: %w", err)
	}
	defer w.Close()

	watchDir := opts.LogPath
	if err := w.Add(watchDir); err != nil {
		return false, fmt.Errorf("daemon: logwatch: watch %s: %w", opts.LogPath, err)
	}

	deadline := time.After(opts.Timeout)
	liveness := time.NewTicker(100 * time.Millisecond)
	defer liveness.Stop()

	if ok, newOffset := checkReady(opts.LogPath, offset, matcher, token); ok {
		return true, nil
	} else {
		offset = newOffset
	}

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return false, nil
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			ready, newOffset := checkReady(opts.LogPath, offset, matcher, token)
			offset = newOffset
			if ready {
				return true, nil
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return false, nil
			}
			return false, fmt.Errorf("daemon: logwatch: %w", werr)
		case <-liveness.C:
			if pidDead(pid) {
				return false, fmt.Errorf("daemon: child %d exited before reporting ready", pid)
			}
		case <-deadline:
			return false, nil
		}
	}
}

type readyMatcher func(line string) bool

func newReadyMatcher(opts Options) (readyMatcher, error) {
	switch {
	case opts.ReadyRegexp != "":
		re, err := regexp.Compile(opts.ReadyRegexp)
		if err != nil {
			return nil, fmt.Errorf("daemon: logwatch: compile pattern: %w", err)
		}
		return re.MatchString, nil
	case opts.ReadyPhrase != "":
		phrase := opts.ReadyPhrase
		return func(line string) bool { return strings.Contains(line, phrase) }, nil
	default:
		return func(line string) bool { return true }, nil
	}
}

// checkReady reads any bytes appended to path since offset and reports
// whether one of the new lines satisfies matcher. It returns the new
// end-of-file offset regardless of outcome, so callers resume scanning
// from where this call left off.
func checkReady(path string, offset int64, matcher readyMatcher, token string) (bool, int64) {
	f, err := os.Open(path)
	if err != nil {
		return false, offset
	}
	defer f.Close()

	size, err := fileSize(path)
	if err != nil || size <= offset {
		return false, offset
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return false, offset
	}

	scanner := bufio.NewScanner(f)
	found := false
	for scanner.Scan() {
		line := scanner.Text()
		if token != "" && !strings.Contains(line, token) {
			continue
		}
		if matcher(line) {
			found = true
		}
	}
	return found, size
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func pidDead(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually sending a signal.
	return proc.Signal(syscall.Signal(0)) != nil
}
