// Package script runs tengo scripts as pubsub message processors.
//
// A script sees one global map, message, with keys id, topic, data (string)
// and attributes (map of strings). It may rewrite data or attributes in
// place, or set the global drop to true to stop the message from being fanned
// out. log(value) writes to the service logger.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/nfrund/fanout/internal/pubsub"
)

// Processor is a pubsub.MessageProcessor backed by a script file.
type Processor struct {
	fs     afero.Fs
	path   string
	limits Limits
	logger *slog.Logger

	mu   sync.RWMutex
	prog *program

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Option configures a Processor.
type Option func(*Processor)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(p *Processor) {
		p.limits = l
	}
}

// WithLogger sets the processor logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessor reads and compiles the script at path on fs.
func NewProcessor(fs afero.Fs, path string, opts ...Option) (*Processor, error) {
	p := &Processor{
		fs:     fs,
		path:   path,
		limits: DefaultLimits(),
		logger: slog.Default().With("service", "script"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Path returns the script location.
func (p *Processor) Path() string { return p.path }

// Reload recompiles the script from disk. On failure the previous program
// stays active.
func (p *Processor) Reload() error {
	src, err := afero.ReadFile(p.fs, p.path)
	if err != nil {
		return NewScriptError(ErrorTypeNotFound, p.path, "failed to read script", err)
	}
	prog, err := compile(p.path, src, p.limits, p.logger)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.prog = prog
	p.mu.Unlock()
	p.logger.Info("Processor script loaded", "path", p.path, "bytes", len(src))
	return nil
}

// Process implements pubsub.MessageProcessor.
func (p *Processor) Process(ctx context.Context, msg *pubsub.Message) (*pubsub.Message, error) {
	p.mu.RLock()
	prog := p.prog
	p.mu.RUnlock()
	return prog.run(ctx, msg)
}

// Watch reloads the script whenever its file changes, until ctx is done or
// Close is called. Watching needs an OS-backed filesystem.
func (p *Processor) Watch(ctx context.Context) error {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	if p.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create script watcher: %w", err)
	}
	// Editors often replace the file, so watch the directory.
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}

	p.watcher = w
	p.done = make(chan struct{})
	go p.watchLoop(ctx, w, p.done)
	p.logger.Debug("Watching processor script", "path", p.path)
	return nil
}

func (p *Processor) watchLoop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Error("Failed to reload processor script", "path", p.path, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.logger.Error("Script watcher error", "error", err)
		}
	}
}

// Close stops watching. The processor keeps serving its current program.
func (p *Processor) Close() error {
	p.watchMu.Lock()
	w, done := p.watcher, p.done
	p.watcher, p.done = nil, nil
	p.watchMu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
