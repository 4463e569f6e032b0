package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lognaturel/central-updater/internal/central"
	"github.com/lognaturel/central-updater/internal/checkpoint"
	"github.com/lognaturel/central-updater/internal/entity"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run states, logged as each step of the state machine begins.
const (
	stateAuthenticating = "authenticating"
	stateFetching       = "fetching"
	stateResolving      = "resolving"
	stateMerging        = "merging"
	stateRedistributing = "redistributing"
	stateCheckpointing  = "checkpointing"
)

var (
	errMissingTransport  = errors.New("runner: transport is required")
	errMissingCheckpoint = errors.New("runner: checkpoint store is required")
	errNoSources         = errors.New("runner: at least one source form is required")
	errNoTargets         = errors.New("runner: at least one attachment target is required")
)

// Transport is the contract with the remote submission server. The concrete
// implementation lives in the central package; tests substitute fakes.
type Transport interface {
	Authenticate(ctx context.Context, creds central.Credentials) (string, error)
	VerifyToken(ctx context.Context, token string) error
	FetchSubmissions(ctx context.Context, token, formID string, since time.Time) ([]entity.Record, error)
	FetchEntityTable(ctx context.Context, token, formID, filename, keyColumn string) (*entity.Table, error)
	UploadEntityTable(ctx context.Context, token, formID, filename string, table *entity.Table) error
}

// CheckpointStore persists the watermark, the session token and the run
// audit trail.
type CheckpointStore interface {
	Load(ctx context.Context) (checkpoint.Snapshot, error)
	SaveToken(ctx context.Context, token string) error
	Advance(ctx context.Context, watermark time.Time) error
	RecordRun(ctx context.Context, run checkpoint.RunRecord) error
}

// IDProvider issues run identifiers for the audit trail.
type IDProvider interface {
	NewID() (string, error)
}

// Config wires one Runner.
type Config struct {
	Transport      Transport
	Checkpoint     CheckpointStore
	Credentials    central.Credentials
	KeyField       string
	EntityFilename string
	AttachedTo     []string
	Sources        []entity.SourceForm
	Logger         *zap.Logger
	Clock          func() time.Time
	IDProvider     IDProvider
}

// Runner executes one synchronization run: fetch submissions newer than the
// checkpoint from every source form, resolve them to one update per entity,
// fold the updates into the entity table, redistribute the table to every
// attachment target, then advance the checkpoint. Any step failing aborts
// the run with the checkpoint untouched, so the next invocation safely
// retries the same batch.
type Runner struct {
	transport      Transport
	store          CheckpointStore
	creds          central.Credentials
	keyField       string
	entityFilename string
	attachedTo     []string
	sources        []entity.SourceForm
	logger         *zap.Logger
	clock          func() time.Time
	ids            IDProvider
}

// New validates the configuration and returns a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Checkpoint == nil {
		return nil, errMissingCheckpoint
	}
	if len(cfg.Sources) == 0 {
		return nil, errNoSources
	}
	if len(cfg.AttachedTo) == 0 {
		return nil, errNoTargets
	}
	if cfg.KeyField == "" {
		return nil, fmt.Errorf("runner: key field is required")
	}
	if cfg.EntityFilename == "" {
		return nil, fmt.Errorf("runner: entity filename is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}

	return &Runner{
		transport:      cfg.Transport,
		store:          cfg.Checkpoint,
		creds:          cfg.Credentials,
		keyField:       cfg.KeyField,
		entityFilename: cfg.EntityFilename,
		attachedTo:     cfg.AttachedTo,
		sources:        cfg.Sources,
		logger:         logger,
		clock:          clock,
		ids:            ids,
	}, nil
}

// Report summarizes a finished run.
type Report struct {
	RunID              string
	State              string
	SubmissionsFetched int
	SubmissionsDropped int
	UpdatesResolved    int
	RowsTouched        int
	UnknownEntities    int
	Watermark          time.Time
}

// Run executes one synchronization pass.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	runID, err := r.ids.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("runner: run id generation failed: %w", err)
	}
	startedAt := r.clock().UTC()
	report := Report{RunID: runID}
	logger := r.logger.With(zap.String("run_id", runID))

	logger.Info("run starting", zap.String("state", stateAuthenticating))
	snapshot, err := r.store.Load(ctx)
	if err != nil {
		return r.fail(ctx, logger, report, startedAt, stateAuthenticating, err)
	}
	report.Watermark = snapshot.Watermark

	sess := &session{
		transport: r.transport,
		store:     r.store,
		creds:     r.creds,
		token:     snapshot.Token,
	}
	if err := sess.ensure(ctx); err != nil {
		return r.fail(ctx, logger, report, startedAt, stateAuthenticating, err)
	}

	logger.Info("fetching submissions",
		zap.String("state", stateFetching),
		zap.Time("watermark", snapshot.Watermark),
		zap.Int("source_forms", len(r.sources)))
	batches, err := r.fetchAll(ctx, sess, snapshot.Watermark)
	if err != nil {
		return r.fail(ctx, logger, report, startedAt, stateFetching, err)
	}

	totalFetched := 0
	for _, batch := range batches {
		totalFetched += len(batch)
	}
	report.SubmissionsFetched = totalFetched
	if totalFetched == 0 {
		logger.Info("no updates")
		report.State = checkpoint.RunStateEmpty
		r.record(ctx, logger, report, startedAt, "")
		return report, nil
	}

	logger.Info("resolving conflicts", zap.String("state", stateResolving), zap.Int("submissions", totalFetched))
	submissions := r.normalizeAll(logger, batches, &report)
	updates := entity.Resolve(submissions, r.declarationOrder())
	report.UpdatesResolved = len(updates)

	logger.Info("merging entity table", zap.String("state", stateMerging), zap.Int("updates", len(updates)))
	var table *entity.Table
	err = sess.do(ctx, func(token string) error {
		fetched, fetchErr := r.transport.FetchEntityTable(ctx, token, r.attachedTo[0], r.entityFilename, r.keyField)
		if fetchErr != nil {
			return fetchErr
		}
		table = fetched
		return nil
	})
	if err != nil {
		return r.fail(ctx, logger, report, startedAt, stateMerging, err)
	}

	mergeReport, err := table.Apply(updates)
	report.RowsTouched = mergeReport.RowsTouched
	report.UnknownEntities = len(mergeReport.UnknownKeys)
	if err != nil {
		return r.fail(ctx, logger, report, startedAt, stateMerging, err)
	}
	for _, key := range mergeReport.UnknownKeys {
		logger.Warn("update for unknown entity skipped", zap.String("key", key))
	}
	if mergeReport.SkippedColumns > 0 {
		logger.Warn("update fields without matching columns skipped", zap.Int("count", mergeReport.SkippedColumns))
	}

	logger.Info("redistributing entity table",
		zap.String("state", stateRedistributing),
		zap.Int("targets", len(r.attachedTo)))
	for _, target := range r.attachedTo {
		uploadErr := sess.do(ctx, func(token string) error {
			return r.transport.UploadEntityTable(ctx, token, target, r.entityFilename, table)
		})
		if uploadErr != nil {
			return r.fail(ctx, logger, report, startedAt, stateRedistributing,
				fmt.Errorf("upload to %q: %w", target, uploadErr))
		}
	}

	// Advance past the newest fetched submission, dropped ones included: a
	// dropped record left below the watermark would be re-fetched, re-dropped
	// and re-counted on every subsequent run.
	latest := r.latestFetched(batches)
	if latest.IsZero() {
		logger.Warn("batch carried no usable submission dates, checkpoint not advanced")
	} else {
		watermark := latest.Add(time.Millisecond)
		logger.Info("advancing checkpoint", zap.String("state", stateCheckpointing), zap.Time("watermark", watermark))
		if err := r.store.Advance(ctx, watermark); err != nil {
			return r.fail(ctx, logger, report, startedAt, stateCheckpointing, err)
		}
		report.Watermark = watermark
	}

	report.State = checkpoint.RunStateSucceeded
	r.record(ctx, logger, report, startedAt, "")
	logger.Info("run finished",
		zap.Int("submissions", report.SubmissionsFetched),
		zap.Int("rows_touched", report.RowsTouched),
		zap.Int("unknown_entities", report.UnknownEntities))
	return report, nil
}

// fetchAll retrieves submissions for every source form concurrently. All
// batches must be collected before resolving begins: resolving on a partial
// batch would break last-write-wins, so the first failure aborts the run.
func (r *Runner) fetchAll(ctx context.Context, sess *session, since time.Time) ([][]entity.Record, error) {
	batches := make([][]entity.Record, len(r.sources))
	group, groupCtx := errgroup.WithContext(ctx)
	for index, source := range r.sources {
		index, source := index, source
		group.Go(func() error {
			return sess.do(groupCtx, func(token string) error {
				records, err := r.transport.FetchSubmissions(groupCtx, token, source.FormID, since)
				if err != nil {
					return fmt.Errorf("fetch from %q: %w", source.FormID, err)
				}
				batches[index] = records
				return nil
			})
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return batches, nil
}

// normalizeAll converts raw records to submissions in declaration-then-fetch
// order. Records that cannot be attributed to an entity are dropped and
// counted, never fatal.
func (r *Runner) normalizeAll(logger *zap.Logger, batches [][]entity.Record, report *Report) []entity.Submission {
	submissions := make([]entity.Submission, 0, report.SubmissionsFetched)
	for index, source := range r.sources {
		for _, record := range batches[index] {
			submission, err := entity.Normalize(record, source, r.keyField)
			if err != nil {
				report.SubmissionsDropped++
				logger.Warn("submission dropped", zap.String("form_id", source.FormID), zap.Error(err))
				continue
			}
			submissions = append(submissions, submission)
		}
	}
	return submissions
}

func (r *Runner) latestFetched(batches [][]entity.Record) time.Time {
	var latest time.Time
	for _, batch := range batches {
		if candidate := entity.LatestSubmissionDate(batch); candidate.After(latest) {
			latest = candidate
		}
	}
	return latest
}

func (r *Runner) declarationOrder() []string {
	order := make([]string, 0, len(r.sources))
	for _, source := range r.sources {
		order = append(order, source.FormID)
	}
	return order
}

func (r *Runner) fail(ctx context.Context, logger *zap.Logger, report Report, startedAt time.Time, state string, err error) (Report, error) {
	report.State = checkpoint.RunStateFailed
	logger.Error("run failed", zap.String("state", state), zap.Error(err))
	r.record(ctx, logger, report, startedAt, err.Error())
	return report, fmt.Errorf("%s: %w", state, err)
}

func (r *Runner) record(ctx context.Context, logger *zap.Logger, report Report, startedAt time.Time, runError string) {
	record := checkpoint.RunRecord{
		RunID:              report.RunID,
		StartedAtMs:        startedAt.UnixMilli(),
		FinishedAtMs:       r.clock().UTC().UnixMilli(),
		State:              report.State,
		SubmissionsFetched: report.SubmissionsFetched,
		SubmissionsDropped: report.SubmissionsDropped,
		RowsTouched:        report.RowsTouched,
		UnknownEntities:    report.UnknownEntities,
		Error:              runError,
	}
	if err := r.store.RecordRun(ctx, record); err != nil {
		logger.Warn("run record write failed", zap.Error(err))
	}
}
