package spooler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AfterAction says what happens to a source file once it is stored or
// recognized as a duplicate.
type AfterAction string

const (
	AfterKeep   AfterAction = "keep"
	AfterDelete AfterAction = "delete"
	AfterMove   AfterAction = "move"
)

type InputSpec struct {
	Glob      string
	Partition *int64
	ErrorDir  string
	// Extensions restricts the input to these suffixes (".pdf"). Empty means all.
	Extensions []string
}

type RunnerConfig struct {
	Inputs       []InputSpec
	After        AfterAction
	ProcessedDir string
	// Timeout bounds one RunOnce pass. Zero means no bound.
	Timeout      time.Duration
	SettleDelay  time.Duration
	PollInterval time.Duration
	Logger       zerolog.Logger
}

type RunStats struct {
	FilesSeen       int
	Created         int
	Duplicates      int
	Skipped         int
	Failed          int
	Disposed        int
	Inconsistencies int
}

// Runner ingests files matched by the configured inputs.
type Runner struct {
	cfg  RunnerConfig
	pipe *Pipeline
	log  zerolog.Logger

	// passMu keeps a rescan and an event-driven ingest from handling the
	// same file at the same time.
	passMu sync.Mutex
}

func NewRunner(pipe *Pipeline, cfg RunnerConfig) (*Runner, error) {
	if pipe == nil {
		return nil, errors.New("pipeline is required")
	}
	inputs := make([]InputSpec, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		in.Glob = strings.TrimSpace(in.Glob)
		if in.Glob == "" {
			continue
		}
		in.ErrorDir = strings.TrimSpace(in.ErrorDir)
		in.Extensions = normalizeExtensions(in.Extensions)
		inputs = append(inputs, in)
	}
	if len(inputs) == 0 {
		return nil, &ValidationError{Field: "directory.files", Reason: "no inputs configured"}
	}
	cfg.Inputs = inputs
	switch cfg.After {
	case "":
		cfg.After = AfterKeep
	case AfterKeep, AfterDelete:
	case AfterMove:
		if strings.TrimSpace(cfg.ProcessedDir) == "" {
			return nil, &ValidationError{Field: "directory.processed_dir", Reason: "required when after is move"}
		}
	default:
		return nil, &ValidationError{Field: "directory.after", Reason: fmt.Sprintf("unknown action %q", cfg.After)}
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Runner{
		cfg:  cfg,
		pipe: pipe,
		log:  cfg.Logger.With().Str("component", "directory").Logger(),
	}, nil
}

func normalizeExtensions(exts []string) []string {
	var out []string
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func (in InputSpec) accepts(path string) bool {
	if len(in.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range in.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// RunOnce ingests every file currently matched by the inputs. Per-file
// failures are counted and logged; the returned error is reserved for
// failures that abort the pass.
func (r *Runner) RunOnce(ctx context.Context) (RunStats, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	var stats RunStats

	items, err := r.expandInputs()
	if err != nil {
		return stats, err
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("run interrupted: %w", err)
		}
		if err := r.ingestFile(ctx, it, &stats); err != nil {
			r.log.Warn().Err(err).Str("path", it.Path).Msg("ingest failed")
		}
	}

	r.log.Info().
		Int("files", stats.FilesSeen).
		Int("created", stats.Created).
		Int("duplicates", stats.Duplicates).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Int("disposed", stats.Disposed).
		Dur("elapsed", time.Since(start)).
		Msg("directory pass finished")
	return stats, nil
}

type inputItem struct {
	Path  string
	Input InputSpec
}

// expandInputs matches every input. A file matched by several inputs belongs
// to the first one.
func (r *Runner) expandInputs() ([]inputItem, error) {
	seen := make(map[string]struct{})
	var out []inputItem
	for _, in := range r.cfg.Inputs {
		matches, err := expandGlob(in.Glob)
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", in.Glob, err)
		}
		for _, m := range matches {
			if !in.accepts(m) {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, inputItem{Path: m, Input: in})
		}
	}
	return out, nil
}

// inputFor finds the input owning path, for watch events.
func (r *Runner) inputFor(path string) (InputSpec, bool) {
	for _, in := range r.cfg.Inputs {
		if matchGlob(in.Glob, path) && in.accepts(path) {
			return in, true
		}
	}
	return InputSpec{}, false
}

func (r *Runner) ingestFile(ctx context.Context, it inputItem, stats *RunStats) error {
	info, err := os.Stat(it.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	stats.FilesSeen++
	if info.Size() <= 0 {
		// Possibly still being written; a later pass picks it up.
		stats.Skipped++
		return nil
	}

	content, err := os.ReadFile(it.Path)
	if err != nil {
		stats.Failed++
		r.moveToErrorDir(it, "unreadable")
		return err
	}
	fp, err := ComputeFingerprint(content)
	if err != nil {
		stats.Skipped++
		return nil
	}

	done, err := r.pipe.alreadyIngested(ctx, it.Path, fp)
	if err != nil {
		stats.Failed++
		return err
	}
	if done {
		stats.Skipped++
		// A previous pass stored it but could not dispose of it.
		if r.dispose(ctx, it.Path, fp) {
			stats.Disposed++
		}
		return nil
	}

	r.pipe.EnsureSynced(ctx, it.Input.Partition)
	res, err := r.pipe.Ingest(ctx, it.Path, Submission{
		Name:          filepath.Base(it.Path),
		Content:       content,
		CorrelationID: uuid.NewString(),
		Partition:     it.Input.Partition,
		Source:        SourceDirectory,
		Provenance:    map[string]string{"path": it.Path},
	})
	if err != nil {
		stats.Failed++
		if permanentFailure(err) {
			r.moveToErrorDir(it, err.Error())
		}
		return err
	}
	if res.Outcome == OutcomeDuplicate {
		stats.Duplicates++
	} else {
		stats.Created++
	}
	if res.Inconsistency != nil {
		stats.Inconsistencies++
	}
	if r.dispose(ctx, it.Path, fp) {
		stats.Disposed++
	}
	return nil
}

// permanentFailure is true for errors a retry cannot fix: bad input or a
// 4xx rejection from the store.
func permanentFailure(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500 &&
			he.StatusCode != http.StatusTooManyRequests && he.StatusCode != http.StatusRequestTimeout
	}
	return false
}

func (r *Runner) moveToErrorDir(it inputItem, reason string) {
	if it.Input.ErrorDir == "" {
		return
	}
	dst, err := MoveFileToDir(it.Path, it.Input.ErrorDir)
	if err != nil {
		r.log.Error().Err(err).Str("path", it.Path).Msg("move to error_dir failed")
		return
	}
	r.log.Warn().Str("path", it.Path).Str("moved_to", dst).Str("reason", reason).Msg("file moved to error_dir")
}

// dispose applies the after action and reports whether the file left the input.
func (r *Runner) dispose(ctx context.Context, path, fp string) bool {
	switch r.cfg.After {
	case AfterDelete:
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Error().Err(err).Str("path", path).Msg("delete failed")
			return false
		}
		r.pipe.markDisposed(ctx, path, fp, "")
		return true
	case AfterMove:
		dst, err := MoveFileToDir(path, r.cfg.ProcessedDir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				r.pipe.markDisposed(ctx, path, fp, "file missing")
				return false
			}
			r.log.Error().Err(err).Str("path", path).Msg("move to processed_dir failed")
			return false
		}
		r.pipe.markDisposed(ctx, path, fp, "")
		r.log.Debug().Str("path", path).Str("moved_to", dst).Msg("file moved")
		return true
	default:
		return false
	}
}
