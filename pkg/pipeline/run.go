// Package pipeline orchestrates the extraction flow: scan, chunk, extract,
// merge, correct, sync. A run can be interrupted between chunks at any
// point; the manifest and the staging tables carry enough state to resume
// with exactly the remaining work.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/atranelis/recall/pkg/ai"
	"github.com/atranelis/recall/pkg/archive"
	"github.com/atranelis/recall/pkg/archive/store"
	"github.com/atranelis/recall/pkg/corrections"
	"github.com/atranelis/recall/pkg/extract"
	"github.com/atranelis/recall/pkg/graphsync"
	"github.com/atranelis/recall/pkg/index"
	"github.com/atranelis/recall/pkg/logger"
	"github.com/atranelis/recall/pkg/merge"
)

// RunnerParams wires one pipeline instance. Syncer and Index are optional;
// without them the run stops after corrections, which keeps tests and
// partial deployments viable.
type RunnerParams struct {
	Roots           map[string]string // user id -> corpus directory
	Store           *store.Store
	Manifest        *Manifest
	Oracle          ai.Oracle
	Syncer          *graphsync.Syncer
	Index           *index.Index
	CorrectionsPath string

	BudgetCeilingUSD float64
	ChunkSize        int
	ParallelChunks   int
	MaxRetries       int
	SimilarPerSess   int

	// Notify is called with human-readable run events (budget warnings,
	// completion). Optional.
	Notify func(message string)
}

// Runner executes pipeline runs. Callers serialize runs through the run
// lock; the Runner itself assumes it is the only active run.
type Runner struct {
	params    RunnerParams
	extractor *extract.Extractor
}

// Report summarizes one completed run.
type Report struct {
	ScannedSessions int            `json:"scanned_sessions"`
	ProcessedChunks int            `json:"processed_chunks"`
	FailedChunks    int            `json:"failed_chunks"`
	SkippedChunks   int            `json:"skipped_chunks"`
	EntitiesByKind  map[string]int `json:"entities_by_kind"`
	Warnings        []string       `json:"warnings"`
	SpendUSD        float64        `json:"spend_usd"`
	BudgetExhausted bool           `json:"budget_exhausted"`
}

func NewRunner(params RunnerParams) *Runner {
	if params.ParallelChunks <= 0 {
		params.ParallelChunks = 2
	}
	if params.MaxRetries <= 0 {
		params.MaxRetries = 3
	}
	if params.SimilarPerSess <= 0 {
		params.SimilarPerSess = 3
	}
	return &Runner{
		params:    params,
		extractor: extract.NewExtractor(params.Oracle, params.MaxRetries),
	}
}

// Run executes one full pipeline pass and reports what happened. Per-chunk
// and per-entity failures are reported, not fatal; only run-level failures
// (stores unreachable, manifest unwritable) return an error.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{EntitiesByKind: make(map[string]int)}

	budget := NewBudget(r.params.BudgetCeilingUSD, r.params.Manifest.Spend(), func(spent, ceiling float64) {
		r.notify(fmt.Sprintf("extraction budget at %.2f of %.2f USD", spent, ceiling))
	})
	spend := newSpendTracker(r.params.Oracle)

	// Merge clustering spends oracle budget too, so the merger is built per
	// run with the run's budget as its gate.
	merger := merge.NewMerger(r.params.Oracle, r.params.MaxRetries)
	merger.AllowCalls = budget.AllowMoreWork

	changed, err := r.scan(ctx, report)
	if err != nil {
		return nil, err
	}

	worklist, err := r.withResumedSessions(ctx, changed)
	if err != nil {
		return nil, err
	}

	if err := r.extractSessions(ctx, worklist, budget, spend, report); err != nil {
		return nil, err
	}

	if err := r.mergeSessions(ctx, worklist, merger, budget, spend, report); err != nil {
		return nil, err
	}

	if err := r.syncCorpus(ctx, merger, budget, spend, report); err != nil {
		return nil, err
	}

	report.SpendUSD = r.params.Manifest.Spend()
	report.BudgetExhausted = !budget.AllowMoreWork()

	logger.Info("pipeline run complete",
		"sessions", report.ScannedSessions,
		"chunks_done", report.ProcessedChunks,
		"chunks_failed", report.FailedChunks,
		"spend_usd", report.SpendUSD,
	)
	r.notify(fmt.Sprintf("run complete: %d sessions, %d chunks done, %d failed",
		report.ScannedSessions, report.ProcessedChunks, report.FailedChunks))
	return report, nil
}

// scan diffs the corpus against the archive and ingests new or changed
// sessions. Returns the sessions that need extraction work.
func (r *Runner) scan(ctx context.Context, report *Report) ([]*archive.Session, error) {
	known, err := r.params.Store.KnownFingerprints(ctx)
	if err != nil {
		return nil, fmt.Errorf("load known fingerprints: %w", err)
	}

	files, scanErrs := archive.Scan(r.params.Roots, known)
	for _, scanErr := range scanErrs {
		report.Warnings = append(report.Warnings, scanErr.Error())
		logger.Warn("corpus scan error", "path", scanErr.Path, "error", scanErr.Err)
	}

	var changed []*archive.Session
	for _, file := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		session, err := archive.ParseSessionFile(file.Path, file.UserID)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("parse %s: %v", file.Path, err))
			logger.Warn("session parse failed", "path", file.Path, "error", err)
			continue
		}
		if session == nil {
			continue
		}
		session.Fingerprint = file.Fingerprint

		if err := r.params.Store.UpsertSession(ctx, session); err != nil {
			return nil, fmt.Errorf("upsert session %s: %w", session.ID, err)
		}

		chunkCount := len(extract.SplitSession(session, r.params.ChunkSize))
		if previous, ok := known[session.ID]; ok && previous != file.Fingerprint {
			// Content changed: all prior work for this session is stale.
			if err := r.params.Manifest.ResetSession(session.ID, chunkCount); err != nil {
				return nil, err
			}
			if err := r.params.Store.DeleteStagedExtractions(ctx, session.ID); err != nil {
				return nil, err
			}
			if err := r.params.Store.DeleteMergedExtraction(ctx, session.ID); err != nil {
				return nil, err
			}
		} else {
			if err := r.params.Manifest.EnsureChunks(session.ID, chunkCount); err != nil {
				return nil, err
			}
		}

		changed = append(changed, session)
	}

	report.ScannedSessions = len(changed)
	return changed, nil
}

// withResumedSessions extends the scanner's changed set with sessions an
// earlier interrupted run left pending chunks for. Their files are
// unchanged, so the scanner skips them; the manifest is the source of truth
// for remaining work.
func (r *Runner) withResumedSessions(ctx context.Context, changed []*archive.Session) ([]*archive.Session, error) {
	seen := make(map[string]bool, len(changed))
	for _, session := range changed {
		seen[session.ID] = true
	}

	worklist := changed
	for _, id := range r.params.Manifest.SessionsWithPending() {
		if seen[id] {
			continue
		}
		session, err := r.params.Store.GetSession(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load resumable session %s: %w", id, err)
		}
		if session == nil {
			logger.Warn("manifest references unknown session", "session", id)
			continue
		}
		worklist = append(worklist, session)
	}
	return worklist, nil
}

// extractSessions works off the pending chunks of the changed sessions.
// The budget is consulted before each new oracle call; once exhausted, the
// remaining chunks are skipped and stay pending for the next run.
func (r *Runner) extractSessions(ctx context.Context, sessions []*archive.Session, budget *Budget, spend *spendTracker, report *Report) error {
	for _, session := range sessions {
		chunks := extract.SplitSession(session, r.params.ChunkSize)
		pending := r.params.Manifest.PendingChunks(session.ID, len(chunks))
		if len(pending) == 0 {
			continue
		}

		eg, gCtx := errgroup.WithContext(ctx)
		eg.SetLimit(r.params.ParallelChunks)
		var mu sync.Mutex

		for _, idx := range pending {
			chunk := chunks[idx]

			eg.Go(func() error {
				// Checked after the worker slot is acquired, so a chunk
				// queued while the exhausting call was in flight still
				// stops here. Skipped chunks stay pending.
				if !budget.AllowMoreWork() {
					mu.Lock()
					report.SkippedChunks++
					mu.Unlock()
					return nil
				}

				result, err := r.extractor.ExtractChunk(gCtx, &chunk)

				mu.Lock()
				defer mu.Unlock()

				if merr := r.recordSpend(budget, spend); merr != nil {
					return merr
				}

				if err != nil {
					report.FailedChunks++
					report.Warnings = append(report.Warnings,
						fmt.Sprintf("chunk %s/%d failed: %v", session.ID, chunk.Index, err))
					logger.Error("chunk extraction failed", "session", session.ID, "chunk", chunk.Index, "error", err)
					return r.params.Manifest.MarkFailed(session.ID, chunk.Index)
				}

				payload, err := json.Marshal(result)
				if err != nil {
					return fmt.Errorf("encode extraction %s/%d: %w", session.ID, chunk.Index, err)
				}
				if err := r.params.Store.StageExtraction(gCtx, session.ID, chunk.Index, payload); err != nil {
					return err
				}
				report.ProcessedChunks++
				return r.params.Manifest.MarkDone(session.ID, chunk.Index)
			})
		}

		if err := eg.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// mergeSessions consolidates each session's staged chunk extractions into
// one merged payload. Sessions with chunks still pending are left for the
// next run; sessions with failed chunks merge what completed.
func (r *Runner) mergeSessions(ctx context.Context, sessions []*archive.Session, merger *merge.Merger, budget *Budget, spend *spendTracker, report *Report) error {
	for _, session := range sessions {
		chunkCount := len(extract.SplitSession(session, r.params.ChunkSize))
		if len(r.params.Manifest.PendingChunks(session.ID, chunkCount)) > 0 {
			continue
		}

		staged, err := r.params.Store.StagedExtractions(ctx, session.ID)
		if err != nil {
			return err
		}
		if len(staged) == 0 {
			continue
		}

		// Chunk order decides which spelling and description become
		// canonical on name merges; map order would randomize that.
		indexes := make([]int, 0, len(staged))
		for idx := range staged {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)

		extractions := make([]*extract.ChunkExtraction, 0, len(staged))
		for _, idx := range indexes {
			var ex extract.ChunkExtraction
			if err := json.Unmarshal(staged[idx], &ex); err != nil {
				return fmt.Errorf("decode staged extraction for %s: %w", session.ID, err)
			}
			extractions = append(extractions, &ex)
		}

		merged, err := merger.MergeSession(ctx, extractions)
		if serr := r.recordSpend(budget, spend); serr != nil {
			return serr
		}
		if err != nil {
			return fmt.Errorf("merge session %s: %w", session.ID, err)
		}
		report.Warnings = append(report.Warnings, merged.Warnings...)

		payload, err := json.Marshal(merged.Entities)
		if err != nil {
			return fmt.Errorf("encode merged entities for %s: %w", session.ID, err)
		}
		if err := r.params.Store.SaveMergedExtraction(ctx, session.ID, payload); err != nil {
			return err
		}
		if err := r.params.Store.DeleteStagedExtractions(ctx, session.ID); err != nil {
			return err
		}
	}
	return nil
}

// syncCorpus runs the corpus-wide tail of the pipeline: cross-session
// identity merge, relation derivation, corrections, graph sync and the
// embedding index update.
func (r *Runner) syncCorpus(ctx context.Context, merger *merge.Merger, budget *Budget, spend *spendTracker, report *Report) error {
	mergedPayloads, err := r.params.Store.MergedExtractions(ctx)
	if err != nil {
		return err
	}
	if len(mergedPayloads) == 0 {
		return nil
	}

	sessionIDs := make([]string, 0, len(mergedPayloads))
	for sessionID := range mergedPayloads {
		sessionIDs = append(sessionIDs, sessionID)
	}
	sort.Strings(sessionIDs)

	var all []*extract.Entity
	for _, sessionID := range sessionIDs {
		var entities []*extract.Entity
		if err := json.Unmarshal(mergedPayloads[sessionID], &entities); err != nil {
			return fmt.Errorf("decode merged entities for %s: %w", sessionID, err)
		}
		all = append(all, entities...)
	}

	corpus, err := merger.MergeCorpus(ctx, all)
	if serr := r.recordSpend(budget, spend); serr != nil {
		return serr
	}
	if err != nil {
		return fmt.Errorf("cross-session merge: %w", err)
	}
	report.Warnings = append(report.Warnings, corpus.Warnings...)

	relations := extract.DeriveRelations(corpus.Entities)
	relations = append(relations, graphsync.DeriveSessionRelations(corpus.Entities)...)

	set, err := corrections.Load(r.params.CorrectionsPath)
	if err != nil {
		return err
	}
	entities, relations := set.Apply(corpus.Entities, relations)

	for _, e := range entities {
		report.EntitiesByKind[string(e.Kind)]++
	}

	if r.params.Index != nil {
		if err := r.reindex(ctx, report); err != nil {
			return err
		}
		similar := make(map[string][]string)
		for _, sessionID := range sessionIDs {
			ids, err := r.params.Index.SimilarSessions(ctx, sessionID, r.params.SimilarPerSess)
			if err != nil {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("similar sessions for %s: %v", sessionID, err))
				continue
			}
			similar[sessionID] = ids
		}
		relations = append(relations, graphsync.SimilarRelations(similar)...)
	}

	if r.params.Syncer == nil {
		return nil
	}

	if err := r.params.Syncer.EnsureConstraints(ctx); err != nil {
		return fmt.Errorf("graph constraints: %w", err)
	}
	storedSessions, err := r.params.Store.ListSessions(ctx)
	if err != nil {
		return err
	}
	if err := r.params.Syncer.SyncSessions(ctx, storedSessions); err != nil {
		return fmt.Errorf("sync sessions: %w", err)
	}
	if err := r.params.Syncer.SyncEntities(ctx, entities); err != nil {
		return fmt.Errorf("sync entities: %w", err)
	}
	if err := r.params.Syncer.SyncRelations(ctx, relations); err != nil {
		return fmt.Errorf("sync relations: %w", err)
	}

	keep := pruneKeep(entities, storedSessions)
	for _, kind := range extract.Kinds() {
		if err := r.params.Syncer.PruneEntities(ctx, kind, keep[kind]); err != nil {
			return fmt.Errorf("prune %s nodes: %w", kind, err)
		}
	}
	return nil
}

// pruneKeep lists, per kind, the node names pruning must leave alone: the
// corrected entity set plus the session owners, which SyncSessions maintains
// as Person nodes outside extraction.
func pruneKeep(entities []*extract.Entity, sessions []archive.Session) map[extract.Kind][]string {
	keep := make(map[extract.Kind][]string)
	for _, e := range entities {
		keep[e.Kind] = append(keep[e.Kind], e.Name)
	}
	owners := make(map[string]bool)
	for _, session := range sessions {
		if session.UserID != "" && !owners[session.UserID] {
			owners[session.UserID] = true
			keep[extract.KindPerson] = append(keep[extract.KindPerson], session.UserID)
		}
	}
	return keep
}

// reindex brings the embedding index in line with the archive's fingerprint
// state. Runs inside the pipeline tail and also standalone as the periodic
// reindex sweep, which touches no pipeline state.
func (r *Runner) reindex(ctx context.Context, report *Report) error {
	fingerprints, err := r.params.Store.KnownFingerprints(ctx)
	if err != nil {
		return err
	}
	stale, orphaned, err := r.params.Index.StaleSessions(ctx, fingerprints)
	if err != nil {
		return err
	}

	for _, sessionID := range orphaned {
		if err := r.params.Index.DeleteSession(ctx, sessionID); err != nil {
			logger.Warn("orphaned embedding row not removed", "session", sessionID, "error", err)
			continue
		}
		logger.Info("session gone from corpus, embedding row removed", "session", sessionID)
	}

	for _, sessionID := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		session, err := r.params.Store.GetSession(ctx, sessionID)
		if err != nil || session == nil {
			continue
		}
		text := session.Summary
		if text == "" {
			text = session.Title
		}
		if err := r.params.Index.UpsertSession(ctx, sessionID, session.Fingerprint, text); err != nil {
			if report != nil {
				report.Warnings = append(report.Warnings, err.Error())
			}
			logger.Warn("embedding index update failed", "session", sessionID, "error", err)
		}
	}
	return nil
}

// Reindex runs the standalone embedding index sweep.
func (r *Runner) Reindex(ctx context.Context) error {
	if r.params.Index == nil {
		return nil
	}
	return r.reindex(ctx, nil)
}

// recordSpend books the oracle cost accrued since the last sample into the
// budget and the manifest.
func (r *Runner) recordSpend(budget *Budget, spend *spendTracker) error {
	cost := spend.delta()
	budget.RecordSpend(cost)
	return r.params.Manifest.AddSpend(cost)
}

func (r *Runner) notify(message string) {
	if r.params.Notify != nil {
		r.params.Notify(message)
	}
}

// spendTracker converts the oracle's cumulative cost metric into per-call
// deltas. Callers serialize delta() calls.
type spendTracker struct {
	oracle ai.Oracle
	last   float64
}

func newSpendTracker(oracle ai.Oracle) *spendTracker {
	return &spendTracker{oracle: oracle, last: oracle.GetMetrics().CostUSD}
}

func (t *spendTracker) delta() float64 {
	current := t.oracle.GetMetrics().CostUSD
	d := current - t.last
	t.last = current
	if d < 0 {
		return 0
	}
	return d
}
