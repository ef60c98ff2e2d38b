// Package telemetry provides ccache's debug-output plumbing: a
// package-level enable flag and writer target, plus component-tagged
// logging helpers. It is the ambient logging layer for the whole engine,
// matching a package-global enable flag plus mutex-guarded writer idiom.
package telemetry

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// EnableDebug is a build-time override flag:
// go build -ldflags "-X .../telemetry.EnableDebug=true"
var EnableDebug = "false"

var (
	output io.Writer
	mu     sync.Mutex
)

// SetOutput sets the writer debug output goes to. Pass nil to disable.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

func getOutput() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return output
}

// IsEnabled reports whether debug logging is currently active.
func IsEnabled() bool {
	if EnableDebug == "true" {
		return true
	}
	v := os.Getenv("GOCCACHE_DEBUG")
	return v == "1" || v == "true"
}

// Printf writes a debug line when enabled and a sink is configured.
func Printf(format string, args ...interface{}) {
	if !IsEnabled() {
		return
	}
	w := getOutput()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "[DEBUG] "+format, args...)
}

// Log writes a component-tagged debug line, e.g. Log("ENGINE", "miss for %s", key).
func Log(component, format string, args ...interface{}) {
	if !IsEnabled() {
		return
	}
	w := getOutput()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "[DEBUG:%s] "+format, append([]interface{}{component}, args...)...)
}

// LogEngine logs from the decision engine.
func LogEngine(format string, args ...interface{}) { Log("ENGINE", format, args...) }

// LogCache logs from cache storage / cleanup.
func LogCache(format string, args ...interface{}) { Log("CACHE", format, args...) }

// LogClassifier logs from argument classification.
func LogClassifier(format string, args ...interface{}) { Log("CLASSIFY", format, args...) }

// HashTrace is the Hasher's optional debug sink: a binary byte-stream
// recording and a parallel human-readable transcript. Writing to it must
// never influence the digest it documents.
type HashTrace struct {
	Binary io.Writer
	Text   io.Writer
}

// WriteBinary appends raw bytes to the binary trace file, if any.
func (t *HashTrace) WriteBinary(b []byte) {
	if t == nil || t.Binary == nil {
		return
	}
	_, _ = t.Binary.Write(b)
}

// WriteText appends a human-readable fragment to the text trace file, if any.
func (t *HashTrace) WriteText(s string) {
	if t == nil || t.Text == nil {
		return
	}
	_, _ = io.WriteString(t.Text, s)
}
