// Package engine runs journal entries through their lifecycle: a local draft,
// optional transcription, then analysis into experience.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lazypower/questlog/internal/cache"
	"github.com/lazypower/questlog/internal/errs"
	"github.com/lazypower/questlog/internal/graph"
	"github.com/lazypower/questlog/internal/llm"
	"github.com/lazypower/questlog/internal/propagation"
	"github.com/lazypower/questlog/internal/remote"
	"github.com/lazypower/questlog/internal/store"
)

// minutesPerUnit is the duration that earns exactly the propagated EXP.
const minutesPerUnit = 30.0

// Aggregate document fields.
const (
	fieldExperience = "experience"
	fieldEntries    = "entries"
)

// EntryOptions carries optional inputs for a new entry.
type EntryOptions struct {
	DurationMinutes *float64
	Metadata        map[string]string
}

// Engine is the entry pipeline.
type Engine struct {
	db          *store.DB
	cache       *cache.Coordinator
	classifier  llm.Classifier
	transcriber llm.Transcriber
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	sync.Mutex
	refs int
}

// New creates an Engine. A nil transcriber means voice entries rely on their
// preview text.
func New(db *store.DB, coord *cache.Coordinator, classifier llm.Classifier, transcriber llm.Transcriber, logger *zap.Logger) *Engine {
	if transcriber == nil {
		transcriber = llm.Unavailable{}
	}
	return &Engine{
		db:          db,
		cache:       coord,
		classifier:  classifier,
		transcriber: transcriber,
		logger:      logger.Named("engine"),
		tracer:      otel.Tracer("github.com/lazypower/questlog/internal/engine"),
		now:         time.Now,
		locks:       make(map[string]*entryLock),
	}
}

// lock serializes the stages of one entry. Different entries run freely.
func (e *Engine) lock(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &entryLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		e.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}

// SubmitText records a text entry and analyzes it. Analysis failures leave
// the entry in ANALYSIS_FAILED and are not returned as errors.
func (e *Engine) SubmitText(ctx context.Context, content string, opts EntryOptions) (*store.Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errs.Validation("engine.SubmitText", "entry text is empty")
	}
	if err := validateDuration(opts.DurationMinutes); err != nil {
		return nil, err
	}

	entry, err := e.createDraft(ctx, store.KindText, content, "", opts)
	if err != nil {
		return nil, err
	}
	unlock := e.lock(entry.ID)
	defer unlock()

	entry.Status = store.StatusPendingAnalysis
	if err := e.db.SaveEntry(entry); err != nil {
		return nil, err
	}
	return e.analyze(ctx, entry)
}

// SubmitVoice records a voice entry, transcribes it and analyzes the
// transcript. preview is the live caption text shown while recording; it
// stands in when transcription fails.
func (e *Engine) SubmitVoice(ctx context.Context, audio llm.Audio, preview string, opts EntryOptions) (*store.Entry, error) {
	if err := validateDuration(opts.DurationMinutes); err != nil {
		return nil, err
	}
	preview = strings.TrimSpace(preview)

	entry, err := e.createDraft(ctx, store.KindVoice, "", preview, opts)
	if err != nil {
		return nil, err
	}
	unlock := e.lock(entry.ID)
	defer unlock()

	text, err := e.transcribe(ctx, entry, audio)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return entry, nil
	}
	return e.analyze(ctx, entry)
}

// RetryAnalysis reruns analysis on a stored entry. Only the difference from
// any earlier result is applied, so retrying a completed entry is harmless.
func (e *Engine) RetryAnalysis(ctx context.Context, id string) (*store.Entry, error) {
	unlock := e.lock(id)
	defer unlock()

	entry, err := e.Entry(id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(entry.Content) == "" {
		if entry.Preview == "" {
			return nil, errs.Validation("engine.RetryAnalysis", "entry %s has no text to analyze", id)
		}
		entry.Content = entry.Preview
		setMeta(entry, "transcript_source", "preview")
	}
	return e.analyze(ctx, entry)
}

// Entry returns a stored entry.
func (e *Engine) Entry(id string) (*store.Entry, error) {
	entry, err := e.db.GetEntry(id)
	if errors.Is(err, store.ErrEntryNotFound) {
		return nil, errs.E(errs.KindNotFound, "engine.Entry", err)
	}
	return entry, err
}

// Entries lists recent entries, newest first, optionally filtered by status.
func (e *Engine) Entries(limit int, status string) ([]store.Entry, error) {
	return e.db.RecentEntries(limit, status)
}

// createDraft persists the placeholder entry and queues its remote document
// together with zero increments that make sure the day, month and year
// rollups exist.
func (e *Engine) createDraft(ctx context.Context, kind, content, preview string, opts EntryOptions) (*store.Entry, error) {
	_, span := e.tracer.Start(ctx, "engine.CreateDraft")
	defer span.End()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("entry id: %w", err)
	}
	now := e.now()
	entry := &store.Entry{
		ID:              id.String(),
		Kind:            kind,
		Content:         content,
		Preview:         preview,
		Status:          store.StatusDraft,
		DurationMinutes: opts.DurationMinutes,
		Metadata:        maps.Clone(opts.Metadata),
		CreatedAt:       now.UnixMilli(),
	}
	span.SetAttributes(attribute.String("entry.id", entry.ID), attribute.String("entry.kind", kind))

	set, err := remote.Set(remote.EntryPath(entry.ID), entry)
	if err != nil {
		return nil, err
	}
	ops := []remote.Op{set}
	for _, p := range remote.AggregatePaths(now) {
		ops = append(ops, remote.Increment(p, map[string]float64{fieldExperience: 0, fieldEntries: 1}))
	}

	err = e.cache.Enqueue(ops, []string{cache.EntryKey(entry.ID)}, func(tx *store.Tx) error {
		return tx.SaveEntry(entry)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "draft not persisted")
		return nil, err
	}
	e.logger.Debug("draft created", zap.String("id", entry.ID), zap.String("kind", kind))
	return entry, nil
}

// transcribe fills entry.Content from audio, falling back to the preview. It
// returns "" when neither produced text; the entry is then ANALYSIS_FAILED.
func (e *Engine) transcribe(ctx context.Context, entry *store.Entry, audio llm.Audio) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Transcribe", trace.WithAttributes(attribute.String("entry.id", entry.ID)))
	defer span.End()

	entry.Status = store.StatusTranscribing
	if err := e.db.SaveEntry(entry); err != nil {
		return "", err
	}

	text, err := e.transcriber.Transcribe(ctx, audio)
	text = strings.TrimSpace(text)
	source := "transcriber"
	if err != nil || text == "" {
		if err != nil {
			span.RecordError(err)
			e.logger.Warn("transcription failed, using preview", zap.String("id", entry.ID), zap.Error(err))
		}
		text, source = entry.Preview, "preview"
	}
	if text == "" {
		cause := errors.New("transcription failed and no preview text was captured")
		if err != nil {
			cause = fmt.Errorf("transcription failed and no preview text was captured: %w", err)
		}
		span.SetStatus(codes.Error, "no text")
		return "", e.fail(entry, cause)
	}

	entry.Content = text
	setMeta(entry, "transcript_source", source)
	entry.Status = store.StatusPendingAnalysis
	if err := e.db.SaveEntry(entry); err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("transcript.source", source))
	return text, nil
}

// analyze classifies the entry, propagates the seeds through the graph and
// applies the scaled increases to the statistics together with the completed
// entry and its rollup increments.
func (e *Engine) analyze(ctx context.Context, entry *store.Entry) (*store.Entry, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Analyze", trace.WithAttributes(attribute.String("entry.id", entry.ID)))
	defer span.End()

	entry.Status = store.StatusAnalyzing
	entry.Error = ""
	if err := e.db.SaveEntry(entry); err != nil {
		return nil, err
	}

	seeds, err := e.classifier.Classify(ctx, entry.Content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		e.logger.Warn("classification failed", zap.String("id", entry.ID), zap.Error(err))
		return entry, e.fail(entry, fmt.Errorf("classify: %w", err))
	}
	e.ensureActions(ctx, seeds)

	nodes, edges := e.cache.Model().Snapshot()
	res := propagation.Propagate(nodes, edges, seeds)
	for _, c := range res.Cycles {
		e.logger.Warn("cycle skipped during propagation", zap.String("id", entry.ID), zap.Stringer("cycle", c))
	}

	increases := propagation.Scale(res.Increases, multiplier(entry.DurationMinutes))
	var prev store.Result
	if entry.Result != nil {
		prev = *entry.Result
	}
	deltas := propagation.Diff(increases, prev.NodeIncreases)
	total := propagation.Sum(increases)
	totalDelta := total - prev.TotalExpIncrease

	span.SetAttributes(
		attribute.Int("seeds", len(seeds)),
		attribute.Float64("exp.total", total),
		attribute.Int("cycles", len(res.Cycles)),
	)

	createdAt := time.UnixMilli(entry.CreatedAt)
	done := *entry
	_, err = e.cache.ApplyStatDeltas(ctx, deltas, func(changes cache.Changes) (cache.Finalized, error) {
		done.Actions = seeds
		done.Status = store.StatusCompleted
		done.Result = &store.Result{
			TotalExpIncrease: total,
			LevelsGained:     prev.LevelsGained + changes.LevelsGained(),
			NodeIncreases:    increases,
		}
		set, err := remote.Set(remote.EntryPath(done.ID), &done)
		if err != nil {
			return cache.Finalized{}, err
		}
		ops := []remote.Op{set}
		if totalDelta != 0 {
			for _, p := range remote.AggregatePaths(createdAt) {
				ops = append(ops, remote.Increment(p, map[string]float64{fieldExperience: totalDelta}))
			}
		}
		return cache.Finalized{Entry: &done, Ops: ops, Scope: []string{cache.EntryKey(done.ID)}}, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "statistics not applied")
		return entry, e.fail(entry, fmt.Errorf("apply experience: %w", err))
	}
	*entry = done

	e.logger.Info("entry analyzed",
		zap.String("id", entry.ID),
		zap.Float64("exp", total),
		zap.Int("levels_gained", entry.Result.LevelsGained),
		zap.String("increases", propagation.Describe(increases)))
	return entry, nil
}

// ensureActions adds classifier labels missing from the graph as action nodes.
func (e *Engine) ensureActions(ctx context.Context, seeds map[string]float64) {
	model := e.cache.Model()
	for label := range seeds {
		if _, ok := model.NodeByLabel(label); ok {
			continue
		}
		if _, ok := model.Node(graph.NodeID(label)); ok {
			continue
		}
		if _, err := e.cache.UpsertNode(ctx, graph.Node{Label: label, Type: graph.TypeAction}); err != nil {
			e.logger.Warn("could not add action node", zap.String("label", label), zap.Error(err))
		}
	}
}

// fail records an analysis failure. The entry stays stored and retryable; the
// returned error is only non-nil if the failure itself could not be saved.
func (e *Engine) fail(entry *store.Entry, cause error) error {
	entry.Status = store.StatusAnalysisFailed
	entry.Error = cause.Error()

	set, err := remote.Set(remote.EntryPath(entry.ID), entry)
	if err != nil {
		return err
	}
	err = e.cache.Enqueue([]remote.Op{set}, []string{cache.EntryKey(entry.ID)}, func(tx *store.Tx) error {
		return tx.SaveEntry(entry)
	})
	if err != nil {
		return err
	}
	e.logger.Warn("entry analysis failed", zap.String("id", entry.ID), zap.Error(cause))
	return nil
}

// multiplier scales EXP by duration: 30 minutes earns 1x. Missing durations
// count as 1x.
func multiplier(minutes *float64) float64 {
	if minutes == nil || *minutes <= 0 {
		return 1
	}
	return *minutes / minutesPerUnit
}

func validateDuration(minutes *float64) error {
	if minutes == nil {
		return nil
	}
	if m := *minutes; math.IsNaN(m) || math.IsInf(m, 0) || m < 0 {
		return errs.Validation("engine", "duration %v minutes is invalid", m)
	}
	return nil
}

func setMeta(entry *store.Entry, key, value string) {
	if entry.Metadata == nil {
		entry.Metadata = map[string]string{}
	}
	entry.Metadata[key] = value
}
