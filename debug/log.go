// Package debug is an opt-in category logger writing to a file, keeping the
// terminal free for the UI. Every function is a no-op until Enable is called.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const stamp = "15:04:05.000"

var (
	mu       sync.Mutex
	file     *os.File
	counters map[string]int
)

// Enable opens ~/.config/go-arp/debug.log for writing, truncating any
// previous log.
func Enable() error {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dir := filepath.Join(home, ".config", "go-arp")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	file = f
	counters = make(map[string]int)
	write("debug", "logging started")
	return nil
}

// Disable closes the log; logging calls become no-ops again.
func Disable() {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		file.Close()
		file = nil
	}
}

// Log writes one line tagged with a category.
func Log(category, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	write(category, format, args...)
}

// LogEvery writes only every nth call for the category. Use on per-tick paths
// that would otherwise swamp the log.
func LogEvery(n int, category, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()

	if file == nil {
		return
	}
	counters[category]++
	if counters[category]%n != 0 {
		return
	}
	write(category, format, args...)
}

// write assumes mu is held.
func write(category, format string, args ...any) {
	if file == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(file, "[%s] %-10s %s\n", time.Now().Format(stamp), category, msg)
	file.Sync() // flush per line so a crash loses nothing
}
