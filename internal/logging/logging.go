// Package logging provides categorized file-backed logging for the ops
// control plane. Each subsystem logs under its own named zap logger; file
// output lands in .superloop/ops-manager/logs/ with one file per category per
// day so an operator can tail exactly the stream they care about.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log categories, one per control-plane subsystem.
const (
	CategoryReconcile = "reconcile"
	CategoryFleet     = "fleet"
	CategoryPolicy    = "policy"
	CategoryHandoff   = "handoff"
	CategoryAlerts    = "alerts"
	CategoryPromotion = "promotion"
	CategoryHorizon   = "horizon"
	CategoryBridge    = "bridge"
	CategoryService   = "service"
	CategoryCLI       = "cli"
)

// Options tunes Setup.
type Options struct {
	// Root is the repository root; empty disables file output.
	Root string
	// Verbose lowers the stderr level to debug.
	Verbose bool
	// Quiet drops the stderr core entirely (file output still applies).
	Quiet bool
}

// Hub owns the shared cores and hands out per-category loggers.
type Hub struct {
	base *zap.Logger

	mu    sync.Mutex
	files []*os.File
}

// Setup builds the logging hub. Stderr gets a console core; when Root is set,
// a JSON core additionally writes per-day files under
// .superloop/ops-manager/logs/.
func Setup(opts Options) (*Hub, error) {
	var cores []zapcore.Core
	h := &Hub{}

	if !opts.Quiet {
		level := zapcore.InfoLevel
		if opts.Verbose {
			level = zapcore.DebugLevel
		}
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			level,
		))
	}

	if opts.Root != "" {
		fileCore, err := h.fileCore(opts.Root)
		if err != nil {
			return nil, err
		}
		cores = append(cores, fileCore)
	}

	if len(cores) == 0 {
		h.base = zap.NewNop()
		return h, nil
	}
	h.base = zap.New(zapcore.NewTee(cores...))
	return h, nil
}

func (h *Hub) fileCore(root string) (zapcore.Core, error) {
	dir := filepath.Join(root, ".superloop", "ops-manager", "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s_ops.log", time.Now().UTC().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	h.mu.Lock()
	h.files = append(h.files, f)
	h.mu.Unlock()

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(f),
		zapcore.DebugLevel,
	), nil
}

// For returns the logger for one category.
func (h *Hub) For(category string) *zap.Logger {
	return h.base.Named(category)
}

// Base returns the unnamed root logger.
func (h *Hub) Base() *zap.Logger { return h.base }

// Close flushes and closes file sinks. Call at shutdown.
func (h *Hub) Close() error {
	_ = h.base.Sync()
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for _, f := range h.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.files = nil
	return firstErr
}
