// Package server implements the line-oriented command protocol: one command
// per input line, one response line per successful command.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Brownie44l1/xray-server/internal/journal"
)

// ErrDrainTimeout is returned by Serve when in-flight commands did not finish
// within the drain timeout.
var ErrDrainTimeout = errors.New("timed out waiting for in-flight commands")

const maxLineSize = 1 << 20

// Recorder receives one entry per finished command.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

type Options struct {
	CacheDir string
	// MaxWorkers caps concurrently executing commands. Accepted commands
	// beyond the cap wait for a slot.
	MaxWorkers   int
	DrainTimeout time.Duration
	// ResultCacheTTL enables response caching per verb, image id and image
	// modification time when positive.
	ResultCacheTTL  time.Duration
	ResultCacheSize int
	Recorder        Recorder
}

// DefaultWorkers uses three quarters of the available CPUs, at least one.
func DefaultWorkers() int {
	return max(1, runtime.NumCPU()*3/4)
}

type Server struct {
	opts   Options
	routes map[string]Pipeline
	logger *slog.Logger
	sem    chan struct{}
	cache  *expirable.LRU[string, string]
}

func New(opts Options, routes map[string]Pipeline, logger *slog.Logger) *Server {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultWorkers()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		routes: make(map[string]Pipeline, len(routes)),
		logger: logger,
		sem:    make(chan struct{}, opts.MaxWorkers),
	}
	for verb, p := range routes {
		s.routes[verb] = p
	}
	if opts.ResultCacheTTL > 0 {
		size := opts.ResultCacheSize
		if size <= 0 {
			size = 256
		}
		s.cache = expirable.NewLRU[string, string](size, nil, opts.ResultCacheTTL)
	}
	return s
}

// lineWriter emits whole lines with a single Write each.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) WriteLine(line string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err := io.WriteString(lw.w, line)
	return err
}

// Serve reads commands from in until EOF or ctx is done and writes responses
// to out. It then waits up to DrainTimeout for running commands; zero waits
// indefinitely.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var wg sync.WaitGroup
	w := &lineWriter{w: out}
	workCtx := context.WithoutCancel(ctx)

	s.logger.Info("command server listening", "cache_dir", s.opts.CacheDir, "max_workers", s.opts.MaxWorkers)

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutdown requested, draining")
			break loop
		case line, ok := <-lines:
			if !ok {
				select {
				case err = <-readErr:
				default:
				}
				if err != nil {
					err = fmt.Errorf("failed to read commands: %w", err)
				}
				break loop
			}
			s.dispatch(workCtx, line, w, &wg)
		}
	}

	if drainErr := s.drain(&wg); drainErr != nil {
		return errors.Join(err, drainErr)
	}
	return err
}

func (s *Server) dispatch(ctx context.Context, line string, w *lineWriter, wg *sync.WaitGroup) {
	cmd, ok := ParseCommand(line)
	if !ok {
		if line != "" {
			s.logger.Debug("dropping malformed line", "line", line)
		}
		return
	}
	pipeline, ok := s.routes[cmd.Verb]
	if !ok {
		s.logger.Debug("dropping unknown verb", "verb", cmd.Verb, "image_id", cmd.ImageID)
		return
	}

	wg.Add(1)
	go s.run(ctx, cmd, pipeline, w, wg)
}

func (s *Server) run(ctx context.Context, cmd Command, pipeline Pipeline, w *lineWriter, wg *sync.WaitGroup) {
	defer wg.Done()

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	entry := journal.Entry{
		RequestID: uuid.NewString(),
		Verb:      cmd.Verb,
		ImageID:   cmd.ImageID,
		StartedAt: time.Now(),
	}
	logger := s.logger.With("request_id", entry.RequestID, "verb", cmd.Verb, "image_id", cmd.ImageID)

	defer func() {
		if r := recover(); r != nil {
			entry.Error = fmt.Sprintf("panic: %v", r)
			logger.Error("command panicked", "panic", r, "stack", string(debug.Stack()))
			s.record(ctx, logger, entry)
		}
	}()

	result, cached, err := s.execute(ctx, cmd, pipeline)
	entry.Duration = time.Since(entry.StartedAt)
	entry.Cached = cached
	if err != nil {
		entry.Error = err.Error()
		logger.Error("command failed", "error", err, "duration", entry.Duration)
		s.record(ctx, logger, entry)
		return
	}
	entry.Result = result

	if err := w.WriteLine(cmd.Response(result)); err != nil {
		logger.Error("failed to write response", "error", err)
	}
	logger.Info("command finished", "duration", entry.Duration, "cached", cached)
	s.record(ctx, logger, entry)
}

func (s *Server) execute(ctx context.Context, cmd Command, pipeline Pipeline) (string, bool, error) {
	path := cmd.ImagePath(s.opts.CacheDir)

	// missing images are never cached, the pipeline reports them
	var key string
	if s.cache != nil {
		if info, err := os.Stat(path); err == nil {
			key = cmd.key(info.ModTime())
			if result, ok := s.cache.Get(key); ok {
				return result, true, nil
			}
		}
	}
	result, err := pipeline(ctx, path)
	if err != nil {
		return "", false, err
	}
	if key != "" {
		s.cache.Add(key, result)
	}
	return result, false, nil
}

func (s *Server) record(ctx context.Context, logger *slog.Logger, e journal.Entry) {
	if s.opts.Recorder == nil {
		return
	}
	if err := s.opts.Recorder.Record(ctx, e); err != nil {
		logger.Warn("failed to journal command", "error", err)
	}
}

func (s *Server) drain(wg *sync.WaitGroup) error {
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	if s.opts.DrainTimeout <= 0 {
		<-finished
		return nil
	}
	select {
	case <-finished:
		return nil
	case <-time.After(s.opts.DrainTimeout):
		return ErrDrainTimeout
	}
}
