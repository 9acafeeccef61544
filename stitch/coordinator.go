package stitch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// Outcome reports what evaluating a manifest did.
type Outcome int

const (
	// OutcomeAwaiting means the batch is incomplete; the manifest stays queued.
	OutcomeAwaiting Outcome = iota
	// OutcomeClaimed means another cycle already claimed the batch.
	OutcomeClaimed
	// OutcomeEmpty means the batch was complete but held no parts.
	OutcomeEmpty
	// OutcomeAssembled means one job was dispatched to the final target.
	OutcomeAssembled
	// OutcomeRecursed means intermediate jobs and a follow-up manifest were
	// written for another pass.
	OutcomeRecursed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAwaiting:
		return "awaiting"
	case OutcomeClaimed:
		return "claimed"
	case OutcomeEmpty:
		return "empty"
	case OutcomeAssembled:
		return "assembled"
	case OutcomeRecursed:
		return "recursed"
	default:
		return "outcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// Result is the evaluation of one queued manifest during a watch cycle.
type Result struct {
	Key     string
	Outcome Outcome
	Err     error
}

// Coordinator decides, per manifest, whether a batch is ready and turns
// ready batches into dispatched assembly jobs.
type Coordinator struct {
	manifests  *ManifestStore
	catalog    *Catalog
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger
}

// NewCoordinator creates a Coordinator that reads manifests and parts from
// store and hands jobs to dispatcher.
func NewCoordinator(store Store, dispatcher Dispatcher, cfg Config, opts ...Option) (*Coordinator, error) {
	if dispatcher == nil {
		return nil, errors.New("stitch: dispatcher is required")
	}
	manifests, err := NewManifestStore(store, cfg)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalog(store, cfg, opts...)
	if err != nil {
		return nil, err
	}
	o := resolveOptions(opts)
	return &Coordinator{
		manifests:  manifests,
		catalog:    catalog,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     o.logger,
	}, nil
}

// Manifests returns the manifest store the coordinator works through.
func (c *Coordinator) Manifests() *ManifestStore { return c.manifests }

// Watch runs one cycle: every queued manifest is evaluated, in listing
// order. A failed evaluation does not stop the cycle; the failures are
// joined into the returned error after all manifests were evaluated.
func (c *Coordinator) Watch(ctx context.Context) ([]Result, error) {
	logger := c.logger.With("correlation_id", uuid.NewString())

	keys, err := c.manifests.Queued(ctx)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "watch cycle started", "queued", len(keys))

	results := make([]Result, 0, len(keys))
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		outcome, err := c.evaluate(ctx, logger, key)
		results = append(results, Result{Key: key, Outcome: outcome, Err: err})
		if err != nil {
			logger.ErrorContext(ctx, "manifest evaluation failed", "manifest", key, "error", err)
			errs = append(errs, err)
		}
	}

	logger.InfoContext(ctx, "watch cycle finished", "evaluated", len(results), "failed", len(errs))
	return results, errors.Join(errs...)
}

// Evaluate inspects the manifest at manifestKey and, when every expected
// part is present, claims the batch and dispatches its assembly.
//
// A manifest that no longer exists reports OutcomeClaimed.
//
// Errors: *ManifestError for manifest I/O, *ConfigError for malformed
// manifests, *CatalogError for listing failures, and *DispatchError when a
// job could not be handed off. After a dispatch failure the manifest stays
// in run/ for reconciliation.
func (c *Coordinator) Evaluate(ctx context.Context, manifestKey string) (Outcome, error) {
	return c.evaluate(ctx, c.logger.With("correlation_id", uuid.NewString()), manifestKey)
}

func (c *Coordinator) evaluate(ctx context.Context, logger *slog.Logger, key string) (Outcome, error) {
	logger = logger.With("manifest", key)

	m, raw, err := c.manifests.Read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// Listed but gone: a concurrent cycle claimed it.
		logger.InfoContext(ctx, "manifest no longer queued")
		return OutcomeClaimed, nil
	}
	if err != nil {
		return OutcomeAwaiting, err
	}

	source := strings.TrimSuffix(m.Source, "/")
	parts, err := c.catalog.ListParts(ctx, source+"/")
	if err != nil {
		return OutcomeAwaiting, err
	}
	if len(parts) != m.FileCount {
		logger.InfoContext(ctx, "batch incomplete, awaiting next cycle",
			"source", source, "found", len(parts), "expected", m.FileCount)
		return OutcomeAwaiting, nil
	}

	ceiling := m.ceiling(c.cfg.CeilingDefault)
	groups, err := Plan(parts, ceiling, c.cfg.MaxPartsPerUpload)
	if err != nil {
		return OutcomeAwaiting, err
	}
	if len(groups) > 1 && m.Iteration+1 > c.cfg.MaxIteration {
		return OutcomeAwaiting, configErrorf("manifest.iteration",
			"next iteration %d exceeds limit %d", m.Iteration+1, c.cfg.MaxIteration)
	}
	if len(groups) > 1 && ceiling > math.MaxInt64/ceilingGrowth {
		return OutcomeAwaiting, configErrorf("manifest.maxFileSize",
			"ceiling %d cannot grow for iteration %d", ceiling, m.Iteration+1)
	}

	runKey, err := c.manifests.Claim(ctx, key, raw)
	if errors.Is(err, ErrAlreadyClaimed) {
		logger.InfoContext(ctx, "batch already claimed by another cycle")
		return OutcomeClaimed, nil
	}
	if err != nil {
		return OutcomeAwaiting, err
	}
	logger.InfoContext(ctx, "batch complete, claimed",
		"source", source, "parts", len(parts), "groups", len(groups),
		"ceiling", units.BytesSize(float64(ceiling)))

	var outcome Outcome
	switch len(groups) {
	case 0:
		logger.WarnContext(ctx, "batch has no parts, nothing to assemble")
		outcome = OutcomeEmpty
	case 1:
		if err := c.dispatch(ctx, Job{Destination: m.Target, Parts: groups[0]}); err != nil {
			return OutcomeAssembled, err
		}
		logger.InfoContext(ctx, "dispatched final assembly", "target", m.Target)
		outcome = OutcomeAssembled
	default:
		if err := c.recurse(ctx, logger, key, m, source, ceiling, groups); err != nil {
			return OutcomeRecursed, err
		}
		outcome = OutcomeRecursed
	}

	doneKey, err := c.manifests.Finish(ctx, runKey)
	if err != nil {
		return outcome, err
	}
	logger.DebugContext(ctx, "manifest finished", "done", doneKey)
	return outcome, nil
}

// recurse writes the follow-up manifest for the intermediate objects and
// dispatches one job per group to produce them.
func (c *Coordinator) recurse(ctx context.Context, logger *slog.Logger, key string, m *Manifest, source string, ceiling int64, groups []ChunkGroup) error {
	next := &Manifest{
		FileCount:   len(groups),
		Source:      source + "_" + strconv.Itoa(m.Iteration+1),
		Target:      m.Target,
		MaxFileSize: ceiling * ceilingGrowth,
		Iteration:   m.Iteration + 1,
	}
	nextKey := c.manifests.NextKey(c.manifests.Name(key), next.Iteration)
	if err := c.manifests.Write(ctx, nextKey, next); err != nil {
		return err
	}
	logger.InfoContext(ctx, "wrote follow-up manifest",
		"next", nextKey, "iteration", next.Iteration, "source", next.Source, "groups", len(groups))

	for i, g := range groups {
		job := Job{Destination: DestinationKey(next.Source, i), Parts: g}
		if err := c.dispatch(ctx, job); err != nil {
			return err
		}
		logger.DebugContext(ctx, "dispatched intermediate assembly",
			"destination", job.Destination, "parts", len(g), "size", units.HumanSize(float64(g.Size())))
	}
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context, job Job) error {
	if err := c.dispatcher.Dispatch(ctx, job); err != nil {
		var de *DispatchError
		if errors.As(err, &de) {
			return err
		}
		return &DispatchError{Destination: job.Destination, Err: err}
	}
	return nil
}

// Requeue moves the claimed manifest name back to queue/.
func (c *Coordinator) Requeue(ctx context.Context, name string) (string, error) {
	key, err := c.manifests.Requeue(ctx, name)
	if err != nil {
		return "", err
	}
	c.logger.InfoContext(ctx, "manifest requeued", "name", name, "queue", key)
	return key, nil
}
