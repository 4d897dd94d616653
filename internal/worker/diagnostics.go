package worker

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// diagnostics accumulates per-handler time and transport deltas, and
// appends one line per tick to the scratch file.
type diagnostics struct {
	path  string
	file  *os.File
	start time.Time

	timePerAction map[string]time.Duration

	lastBytesSent     uint64
	lastBytesReceived uint64
}

func newDiagnostics(path string) *diagnostics {
	d := &diagnostics{
		path:          path,
		start:         time.Now(),
		timePerAction: make(map[string]time.Duration),
	}
	file, err := os.Create(path)
	if err == nil {
		d.file = file
		fmt.Fprintf(file, "start %d\n", d.start.UnixMicro())
	}
	return d
}

// interval times one handler invocation; call the returned func when
// the handler finishes.
func (d *diagnostics) interval(name string) func() {
	begin := time.Now()
	return func() {
		d.timePerAction[name] += time.Since(begin)
	}
}

func (d *diagnostics) record(bytesSent, bytesReceived uint64, outstanding int) {
	if d.file == nil {
		return
	}
	sentDelta := bytesSent - d.lastBytesSent
	recvDelta := bytesReceived - d.lastBytesReceived
	d.lastBytesSent = bytesSent
	d.lastBytesReceived = bytesReceived

	names := make([]string, 0, len(d.timePerAction))
	for name := range d.timePerAction {
		names = append(names, name)
	}
	sort.Strings(names)
	var actions strings.Builder
	for _, name := range names {
		fmt.Fprintf(&actions, " %s=%dus", name, d.timePerAction[name].Microseconds())
	}

	fmt.Fprintf(d.file, "%d sent=%d recv=%d outstanding=%d%s\n",
		time.Since(d.start).Microseconds(), sentDelta, recvDelta, outstanding, actions.String())

	d.timePerAction = make(map[string]time.Duration)
}

func (d *diagnostics) flush() {
	if d.file != nil {
		_ = d.file.Sync()
	}
}

func (d *diagnostics) close() {
	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
	}
}
