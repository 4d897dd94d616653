// Package config carries the runtime tunables shared by master and
// worker. Values come from defaults, optionally overridden by a TOML
// file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Tunables are the timers and budgets of the scheduling substrate.
type Tunables struct {
	// WorkerRequestInterval paces pending GetWorker retries on the
	// master.
	WorkerRequestInterval time.Duration
	// StatusInterval paces the master's status print.
	StatusInterval time.Duration
	// WriteOutputInterval paces film flushes to disk.
	WriteOutputInterval time.Duration
	// PeerInterval paces the worker's handshake re-send tick.
	PeerInterval time.Duration
	// WorkerStatsInterval paces stats snapshots to the master.
	WorkerStatsInterval time.Duration
	// DiagnosticsInterval paces diagnostics lines.
	DiagnosticsInterval time.Duration

	// TraceBudget bounds rays traced per loop iteration.
	TraceBudget int
	// FinishedFlushThreshold is the finished-queue size that triggers
	// a FinishedRays flush.
	FinishedFlushThreshold int
	// DatagramMTU caps one SendRays packet including the frame.
	DatagramMTU int
	// WorkerStorageBudget is the soft per-worker object budget.
	WorkerStorageBudget uint64
	// DemandHalflife is the demand estimator's EWMA half-life.
	DemandHalflife time.Duration
	// RetransmitBase is the first resend delay for reliable
	// datagrams; later resends double up to the peer interval.
	RetransmitBase time.Duration
	// MaxDepth bounds path length for camera rays.
	MaxDepth uint32
}

type fileTunables struct {
	WorkerRequestInterval  string `toml:"worker_request_interval"`
	StatusInterval         string `toml:"status_interval"`
	WriteOutputInterval    string `toml:"write_output_interval"`
	PeerInterval           string `toml:"peer_interval"`
	WorkerStatsInterval    string `toml:"worker_stats_interval"`
	DiagnosticsInterval    string `toml:"diagnostics_interval"`
	TraceBudget            int    `toml:"trace_budget"`
	FinishedFlushThreshold int    `toml:"finished_flush_threshold"`
	DatagramMTU            int    `toml:"datagram_mtu"`
	WorkerStorageBudget    uint64 `toml:"worker_storage_budget"`
	DemandHalflife         string `toml:"demand_halflife"`
	RetransmitBase         string `toml:"retransmit_base"`
	MaxDepth               uint32 `toml:"max_depth"`
}

// Default returns the contract-aligned baseline.
func Default() Tunables {
	return Tunables{
		WorkerRequestInterval:  250 * time.Millisecond,
		StatusInterval:         time.Second,
		WriteOutputInterval:    10 * time.Second,
		PeerInterval:           time.Second,
		WorkerStatsInterval:    500 * time.Millisecond,
		DiagnosticsInterval:    2 * time.Second,
		TraceBudget:            20000,
		FinishedFlushThreshold: 1000,
		DatagramMTU:            1400,
		WorkerStorageBudget:    200 * 1024 * 1024,
		DemandHalflife:         10 * time.Second,
		RetransmitBase:         100 * time.Millisecond,
		MaxDepth:               5,
	}
}

// Load reads path and overlays it onto the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Tunables, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Tunables{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var raw fileTunables
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Tunables{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	durations := []struct {
		dst *time.Duration
		raw string
	}{
		{&cfg.WorkerRequestInterval, raw.WorkerRequestInterval},
		{&cfg.StatusInterval, raw.StatusInterval},
		{&cfg.WriteOutputInterval, raw.WriteOutputInterval},
		{&cfg.PeerInterval, raw.PeerInterval},
		{&cfg.WorkerStatsInterval, raw.WorkerStatsInterval},
		{&cfg.DiagnosticsInterval, raw.DiagnosticsInterval},
		{&cfg.DemandHalflife, raw.DemandHalflife},
		{&cfg.RetransmitBase, raw.RetransmitBase},
	}
	for _, d := range durations {
		if err := overlayDuration(d.dst, d.raw); err != nil {
			return Tunables{}, err
		}
	}
	if raw.TraceBudget != 0 {
		cfg.TraceBudget = raw.TraceBudget
	}
	if raw.FinishedFlushThreshold != 0 {
		cfg.FinishedFlushThreshold = raw.FinishedFlushThreshold
	}
	if raw.DatagramMTU != 0 {
		cfg.DatagramMTU = raw.DatagramMTU
	}
	if raw.WorkerStorageBudget != 0 {
		cfg.WorkerStorageBudget = raw.WorkerStorageBudget
	}
	if raw.MaxDepth != 0 {
		cfg.MaxDepth = raw.MaxDepth
	}
	if err := cfg.Validate(); err != nil {
		return Tunables{}, err
	}
	return cfg, nil
}

func overlayDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}

// Validate rejects budgets that would stall the loops.
func (t Tunables) Validate() error {
	if t.TraceBudget <= 0 {
		return fmt.Errorf("config: trace_budget must be positive")
	}
	if t.DatagramMTU <= 64 {
		return fmt.Errorf("config: datagram_mtu too small: %d", t.DatagramMTU)
	}
	if t.FinishedFlushThreshold < 0 {
		return fmt.Errorf("config: finished_flush_threshold negative")
	}
	for _, d := range []time.Duration{
		t.WorkerRequestInterval, t.StatusInterval, t.WriteOutputInterval,
		t.PeerInterval, t.WorkerStatsInterval, t.DiagnosticsInterval,
		t.DemandHalflife, t.RetransmitBase,
	} {
		if d <= 0 {
			return fmt.Errorf("config: non-positive interval")
		}
	}
	return nil
}
