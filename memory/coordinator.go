package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options tunes coordinator behavior. Zero values fall back to defaults.
type Options struct {
	// BackendTimeout bounds every single adapter call.
	BackendTimeout time.Duration
	// QueueSize bounds the fire-and-forget propagation queue.
	QueueSize int
	// Workers is the size of the propagation worker pool.
	Workers int
	// CacheTTL is the expiry applied when priming records into the cache.
	CacheTTL time.Duration
	// MaxEmbedChars caps text passed to the embedder; longer text is
	// truncated deterministically, not rejected.
	MaxEmbedChars int
	// ScanLimit caps the candidate set loaded by metadata-only fallbacks.
	ScanLimit int
}

func (o Options) withDefaults() Options {
	if o.BackendTimeout <= 0 {
		o.BackendTimeout = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 10 * time.Minute
	}
	if o.MaxEmbedChars <= 0 {
		o.MaxEmbedChars = 8192
	}
	if o.ScanLimit <= 0 {
		o.ScanLimit = 500
	}
	return o
}

type jobKind int

const (
	jobPropagate jobKind = iota
	jobRemove
	jobVerify
)

// verifyJobKey serializes verify batches on the propagation queue the same
// way record jobs serialize per id.
const verifyJobKey = "__verify__"

type job struct {
	kind   jobKind
	id     string
	record *MemoryRecord // set for jobPropagate
	ids    []string      // set for jobVerify
}

// Coordinator accepts store/search/delete requests, fans them out through the
// registry, merges results and applies the consistency and fallback policy.
// The durable store write is the only call a caller ever blocks on.
type Coordinator struct {
	registry *Registry
	embedder Embedder // may be nil: every store degrades, text queries need filters
	ranker   Ranker
	logger   zerolog.Logger
	opts     Options

	jobs     chan job
	inFlight map[string]struct{} // record ids with a propagation job running
	pending  map[string][]job    // follow-up jobs keyed by record id, FIFO
	queueMu  sync.Mutex

	orphanMu sync.Mutex
	orphans  map[string]struct{}

	cron    *cron.Cron
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewCoordinator wires a coordinator over the given registry and embedder and
// starts the propagation worker pool.
func NewCoordinator(registry *Registry, embedder Embedder, logger zerolog.Logger, opts Options) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		registry: registry,
		embedder: embedder,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		opts:     opts,
		jobs:     make(chan job, opts.QueueSize),
		inFlight: make(map[string]struct{}),
		pending:  make(map[string][]job),
		orphans:  make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// StartMaintenance schedules the health probe cycle and the orphan sweep.
// Schedules use cron syntax, e.g. "@every 15s".
func (c *Coordinator) StartMaintenance(probeSchedule, sweepSchedule string) error {
	cr := cron.New()
	if probeSchedule != "" {
		if _, err := cr.AddFunc(probeSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.BackendTimeout)
			defer cancel()
			c.registry.RunProbes(ctx)
		}); err != nil {
			return NewError(CodeInvalidQuery, "invalid probe schedule", err)
		}
	}
	if sweepSchedule != "" {
		if _, err := cr.AddFunc(sweepSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.BackendTimeout)
			defer cancel()
			c.Sweep(ctx)
		}); err != nil {
			return NewError(CodeInvalidQuery, "invalid sweep schedule", err)
		}
	}
	cr.Start()
	c.cron = cr
	return nil
}

// Close drains the worker pool and stops maintenance. Queued propagation jobs
// are abandoned; the durable store is authoritative regardless.
func (c *Coordinator) Close() {
	c.stopped.Do(func() {
		if c.cron != nil {
			c.cron.Stop()
		}
		close(c.stop)
		c.wg.Wait()
	})
}

// Store embeds content (tolerating embedding failure), writes the record to
// the durable store, and returns its id once that write is acknowledged.
// Vector and cache propagation happen asynchronously and never block the
// caller.
func (c *Coordinator) Store(ctx context.Context, content string, meta Metadata) (string, error) {
	if content == "" {
		return "", NewError(CodeInvalidQuery, "content is empty", nil)
	}
	if meta.Importance == 0 {
		meta.Importance = 5
	}
	if meta.Importance < MinImportance || meta.Importance > MaxImportance {
		return "", NewError(CodeInvalidQuery, "importance out of range", nil)
	}

	var embedding []float32
	if c.embedder != nil {
		vec, err := c.embedder.Embed(ctx, TruncateText(content, c.opts.MaxEmbedChars))
		if err != nil {
			// Degraded record: stored without an embedding, reachable only
			// through metadata scans until re-created.
			c.logger.Warn().Err(err).Msg("Embedding failed, storing degraded record")
		} else {
			embedding = vec
		}
	}

	durable, err := c.registry.Durable()
	if err != nil {
		return "", err
	}

	rec := &MemoryRecord{
		ID:            uuid.NewString(),
		Content:       content,
		Embedding:     embedding,
		Meta:          meta,
		OriginBackend: durable.Name(),
		CreatedAt:     time.Now().UTC(),
	}

	putCtx, cancel := context.WithTimeout(ctx, c.opts.BackendTimeout)
	defer cancel()
	if err := durable.Put(putCtx, rec); err != nil {
		c.registry.ReportFailure(durable.Name())
		return "", backendCallError(durable.Name(), "durable write", err)
	}
	c.registry.ReportSuccess(durable.Name())

	c.logger.Info().
		Str("record_id", rec.ID).
		Str("category", meta.Category).
		Int("importance", meta.Importance).
		Bool("degraded", rec.Degraded()).
		Msg("Record stored")

	c.enqueue(job{kind: jobPropagate, id: rec.ID, record: rec})
	return rec.ID, nil
}

// Get reads a record, trying the cache first; the durable store stays
// authoritative. Delete purges the cache synchronously, so a stale hit here
// requires a failed purge, and those ids are queued for the sweep.
func (c *Coordinator) Get(ctx context.Context, id string) (*MemoryRecord, error) {
	if id == "" {
		return nil, NewError(CodeInvalidQuery, "id is empty", nil)
	}
	if cache, ok := c.registry.Cache(); ok {
		getCtx, cancel := context.WithTimeout(ctx, c.opts.BackendTimeout)
		rec, err := cache.Get(getCtx, id)
		cancel()
		if err == nil && rec != nil {
			c.registry.ReportSuccess(cache.Name())
			return rec, nil
		}
		if err != nil && !IsRecordNotFound(err) {
			c.registry.ReportFailure(cache.Name())
		}
	}

	durable, err := c.registry.Durable()
	if err != nil {
		return nil, err
	}
	getCtx, cancel := context.WithTimeout(ctx, c.opts.BackendTimeout)
	defer cancel()
	rec, err := durable.Get(getCtx, id)
	if err != nil {
		if IsRecordNotFound(err) {
			c.registry.ReportSuccess(durable.Name())
			return nil, err
		}
		c.registry.ReportFailure(durable.Name())
		return nil, backendCallError(durable.Name(), "durable read", err)
	}
	c.registry.ReportSuccess(durable.Name())
	return rec, nil
}

// Search answers a similarity query. Vector adapters are fanned out in
// parallel; when none is available (or the query cannot be embedded but
// filters exist) it falls back to a durable metadata scan with unscored
// results. A caller deadline that expires mid fan-out yields ranked partial
// results flagged as such rather than an error.
func (c *Coordinator) Search(ctx context.Context, q *SearchQuery) (*SearchResponse, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	queryVec := q.QueryEmbedding
	if queryVec == nil {
		if c.embedder == nil {
			return c.searchFallback(ctx, q, NewError(CodeEmbeddingUnavailable, "no embedder configured", nil))
		}
		vec, err := c.embedder.Embed(ctx, TruncateText(q.QueryText, c.opts.MaxEmbedChars))
		if err != nil {
			return c.searchFallback(ctx, q, NewError(CodeEmbedding, "query embedding failed", err))
		}
		queryVec = vec
	}

	vectors := c.registry.Vectors()
	if len(vectors) == 0 {
		return c.scanUnscored(ctx, q)
	}

	// Over-fetch per adapter: filters and the threshold are applied after
	// the fan-out, so each adapter must contribute more than top_k raw
	// candidates for the merge to be fair.
	fetch := q.TopK * 3

	type fanout struct {
		backend    string
		candidates []Candidate
		err        error
	}
	out := make(chan fanout, len(vectors))
	var g errgroup.Group
	for _, v := range vectors {
		v := v
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.opts.BackendTimeout)
			defer cancel()
			cands, err := v.Nearest(callCtx, queryVec, fetch)
			out <- fanout{backend: v.Name(), candidates: cands, err: err}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(out)
	}()

	var candidates []Candidate
	partial := false
collect:
	for {
		select {
		case res, ok := <-out:
			if !ok {
				break collect
			}
			if res.err != nil {
				c.registry.ReportFailure(res.backend)
				c.logger.Warn().
					Str("adapter", res.backend).
					Err(res.err).
					Msg("Vector adapter failed during fan-out")
				continue
			}
			c.registry.ReportSuccess(res.backend)
			candidates = append(candidates, res.candidates...)
		case <-ctx.Done():
			// Rank and return what was gathered so far instead of
			// discarding the whole call.
			partial = true
			break collect
		}
	}

	results := c.ranker.Merge(candidates, q)
	c.logger.Info().
		Int("adapters", len(vectors)).
		Int("candidates", len(candidates)).
		Int("results", len(results)).
		Bool("partial", partial).
		Msg("Search completed")

	if ids := resultIDs(results); len(ids) > 0 {
		c.enqueue(job{kind: jobVerify, id: verifyJobKey, ids: ids})
	}

	return &SearchResponse{Results: results, Partial: partial}, nil
}

// searchFallback serves a text query whose embedding is unavailable: with
// filters it degrades to a metadata scan, without them the typed error
// propagates.
func (c *Coordinator) searchFallback(ctx context.Context, q *SearchQuery, embedErr error) (*SearchResponse, error) {
	if len(q.Filters) == 0 {
		return nil, embedErr
	}
	c.logger.Warn().Err(embedErr).Msg("Query embedding unavailable, falling back to metadata scan")
	return c.scanUnscored(ctx, q)
}

// scanUnscored is the durable-store fallback: filter-only results with no
// similarity score computed (Scored=false on every result).
func (c *Coordinator) scanUnscored(ctx context.Context, q *SearchQuery) (*SearchResponse, error) {
	durable, err := c.registry.Durable()
	if err != nil {
		return nil, err
	}
	scanCtx, cancel := context.WithTimeout(ctx, c.opts.BackendTimeout)
	defer cancel()
	records, err := durable.Scan(scanCtx, q.Filters, c.opts.ScanLimit)
	if err != nil {
		c.registry.ReportFailure(durable.Name())
		return nil, backendCallError(durable.Name(), "durable scan", err)
	}
	c.registry.ReportSuccess(durable.Name())

	results := c.ranker.Unscored(records, q)
	c.logger.Info().
		Int("scanned", len(records)).
		Int("results", len(results)).
		Msg("Fallback scan completed")
	return &SearchResponse{Results: results}, nil
}

// Delete removes the record from the durable store first; the call succeeds
// once that removal does. The cached copy is purged before returning so the
// read-through path never serves a deleted record; vector copies are removed
// best-effort, with failures feeding the orphan sweep.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if id == "" {
		return NewError(CodeInvalidQuery, "id is empty", nil)
	}
	durable, err := c.registry.Durable()
	if err != nil {
		return err
	}
	delCtx, cancel := context.WithTimeout(ctx, c.opts.BackendTimeout)
	defer cancel()
	if err := durable.Delete(delCtx, id); err != nil {
		if IsRecordNotFound(err) {
			// The adapter answered; only the record is gone.
			c.registry.ReportSuccess(durable.Name())
			return err
		}
		c.registry.ReportFailure(durable.Name())
		return backendCallError(durable.Name(), "durable delete", err)
	}
	c.registry.ReportSuccess(durable.Name())

	if cache, ok := c.registry.Cache(); ok {
		if err := cache.Delete(delCtx, id); err != nil && !IsRecordNotFound(err) {
			c.registry.ReportFailure(cache.Name())
			c.markOrphans(id)
		} else {
			c.registry.ReportSuccess(cache.Name())
		}
	}

	c.logger.Info().Str("record_id", id).Msg("Record deleted")
	c.enqueue(job{kind: jobRemove, id: id})
	return nil
}

// CachePut stores an opaque value in the cache backend with the given TTL.
func (c *Coordinator) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return NewError(CodeInvalidQuery, "cache key is empty", nil)
	}
	cache, ok := c.registry.Cache()
	if !ok {
		return NewError(CodeBackendUnavailable, "no cache adapter available", nil)
	}
	putCtx, cancel := context.WithTimeout(ctx, c.opts.BackendTimeout)
	defer cancel()
	if err := cache.CachePut(putCtx, key, value, ttl); err != nil {
		c.registry.ReportFailure(cache.Name())
		return backendCallError(cache.Name(), "cache put", err)
	}
	c.registry.ReportSuccess(cache.Name())
	return nil
}

// CacheGet reads an opaque value. An expired or absent key is a miss
// (ok=false), never an error; adapter failures are absorbed into health
// state and also surface as a miss.
func (c *Coordinator) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, NewError(CodeInvalidQuery, "cache key is empty", nil)
	}
	cache, ok := c.registry.Cache()
	if !ok {
		return nil, false, nil
	}
	getCtx, cancel := context.WithTimeout(ctx, c.opts.BackendTimeout)
	defer cancel()
	value, found, err := cache.CacheGet(getCtx, key)
	if err != nil {
		c.registry.ReportFailure(cache.Name())
		c.logger.Warn().Str("key", key).Err(err).Msg("Cache get failed, treating as miss")
		return nil, false, nil
	}
	c.registry.ReportSuccess(cache.Name())
	return value, found, nil
}

// Sweep verifies queued orphan candidates against the durable store and
// removes vector/cache copies of records the durable store no longer holds.
func (c *Coordinator) Sweep(ctx context.Context) {
	c.orphanMu.Lock()
	ids := make([]string, 0, len(c.orphans))
	for id := range c.orphans {
		ids = append(ids, id)
	}
	c.orphans = make(map[string]struct{})
	c.orphanMu.Unlock()

	if len(ids) == 0 {
		return
	}

	durable, err := c.registry.Durable()
	if err != nil {
		// Can't verify anything; requeue.
		c.markOrphans(ids...)
		return
	}

	cleaned := 0
	for _, id := range ids {
		getCtx, cancel := context.WithTimeout(ctx, c.opts.BackendTimeout)
		_, err := durable.Get(getCtx, id)
		cancel()
		switch {
		case err == nil:
			// Still authoritative; nothing to reconcile.
		case IsRecordNotFound(err):
			c.removeOptional(ctx, id)
			cleaned++
		default:
			c.registry.ReportFailure(durable.Name())
			c.markOrphans(id)
		}
	}
	c.logger.Info().
		Int("checked", len(ids)).
		Int("cleaned", cleaned).
		Msg("Orphan sweep completed")
}

func validateQuery(q *SearchQuery) error {
	if q == nil {
		return NewError(CodeInvalidQuery, "query is nil", nil)
	}
	if q.TopK <= 0 {
		return NewError(CodeInvalidQuery, "top_k must be positive", nil)
	}
	hasText := q.QueryText != ""
	hasVec := len(q.QueryEmbedding) > 0
	if hasText == hasVec {
		return NewError(CodeInvalidQuery, "exactly one of query text and query embedding must be set", nil)
	}
	if q.SimilarityThreshold < 0 || q.SimilarityThreshold > 1 {
		return NewError(CodeInvalidQuery, "similarity threshold must be in [0,1]", nil)
	}
	return nil
}

func resultIDs(results []SearchResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.RecordID
	}
	return ids
}

// backendCallError classifies an adapter failure: a deadline is reported as
// such, anything else as the adapter being unreachable.
func backendCallError(backend, action string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewBackendError(CodeDeadlineExceeded, backend, action+" timed out", err)
	}
	return NewBackendError(CodeBackendUnavailable, backend, action+" failed", err)
}

// --- propagation queue ---

// enqueue submits a fire-and-forget job, keeping at most one job per record
// in flight; follow-ups queue behind it in order. A full queue drops the job
// with the id marked for the sweep, it never blocks the caller.
func (c *Coordinator) enqueue(j job) {
	c.queueMu.Lock()
	if _, busy := c.inFlight[j.id]; busy {
		c.pending[j.id] = append(c.pending[j.id], j)
		c.queueMu.Unlock()
		return
	}
	c.inFlight[j.id] = struct{}{}
	c.queueMu.Unlock()

	select {
	case c.jobs <- j:
	default:
		c.queueMu.Lock()
		delete(c.inFlight, j.id)
		c.queueMu.Unlock()
		c.dropJob(j)
		c.logger.Warn().
			Str("record_id", j.id).
			Msg("Propagation queue full, job dropped; sweep will reconcile")
	}
}

// finish releases the per-record slot and resubmits the next queued job for
// that record, if any. The resubmit must never block: with the queue full and
// every worker in this path there is no receiver left, so a blocking send
// would stall the whole pool. On a full queue the record's follow-ups are
// dropped and the id is left to the sweep.
func (c *Coordinator) finish(j job) {
	c.queueMu.Lock()
	queue := c.pending[j.id]
	if len(queue) == 0 {
		delete(c.pending, j.id)
		delete(c.inFlight, j.id)
		c.queueMu.Unlock()
		return
	}
	next := queue[0]
	if len(queue) == 1 {
		delete(c.pending, j.id)
	} else {
		c.pending[j.id] = queue[1:]
	}
	c.queueMu.Unlock()

	select {
	case c.jobs <- next:
	default:
		c.queueMu.Lock()
		remaining := c.pending[j.id]
		delete(c.pending, j.id)
		delete(c.inFlight, j.id)
		c.queueMu.Unlock()
		c.dropJob(next)
		for _, dropped := range remaining {
			c.dropJob(dropped)
		}
		c.logger.Warn().
			Str("record_id", j.id).
			Msg("Propagation queue full, follow-ups dropped; sweep will reconcile")
	}
}

// dropJob records what a dropped job would have reconciled so the sweep can
// catch up: verify batches contribute their result ids, record jobs their id.
func (c *Coordinator) dropJob(j job) {
	if j.kind == jobVerify {
		c.markOrphans(j.ids...)
		return
	}
	c.markOrphans(j.id)
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case j := <-c.jobs:
			c.runJob(j)
			c.finish(j)
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) runJob(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.BackendTimeout)
	defer cancel()

	switch j.kind {
	case jobPropagate:
		c.propagate(ctx, j.record)
	case jobRemove:
		c.removeOptional(ctx, j.id)
	case jobVerify:
		c.verify(ctx, j.ids)
	}
}

// propagate pushes a freshly persisted record to the optional backends:
// the vector index (when the record carries an embedding) and the cache.
func (c *Coordinator) propagate(ctx context.Context, rec *MemoryRecord) {
	if rec == nil {
		return
	}
	if !rec.Degraded() {
		for _, v := range c.registry.Vectors() {
			if err := v.Put(ctx, rec); err != nil {
				c.registry.ReportFailure(v.Name())
				c.logger.Warn().
					Str("adapter", v.Name()).
					Str("record_id", rec.ID).
					Err(err).
					Msg("Vector propagation failed")
				continue
			}
			c.registry.ReportSuccess(v.Name())
		}
	}
	if cache, ok := c.registry.Cache(); ok {
		if err := cache.Put(ctx, rec); err != nil {
			c.registry.ReportFailure(cache.Name())
			c.logger.Warn().
				Str("record_id", rec.ID).
				Err(err).
				Msg("Cache prime failed")
			return
		}
		c.registry.ReportSuccess(cache.Name())
	}
}

// removeOptional deletes a record's vector and cache copies best-effort.
// Failures requeue the id for the sweep.
func (c *Coordinator) removeOptional(ctx context.Context, id string) {
	for _, v := range c.registry.Vectors() {
		if err := v.Delete(ctx, id); err != nil && !IsRecordNotFound(err) {
			c.registry.ReportFailure(v.Name())
			c.markOrphans(id)
			continue
		}
		c.registry.ReportSuccess(v.Name())
	}
	if cache, ok := c.registry.Cache(); ok {
		if err := cache.Delete(ctx, id); err != nil && !IsRecordNotFound(err) {
			c.registry.ReportFailure(cache.Name())
			c.markOrphans(id)
			return
		}
		c.registry.ReportSuccess(cache.Name())
	}
}

// verify lazily checks recently returned result ids against the durable
// store; misses are queued for the sweep. Stale vector hits for deleted
// records get cleaned up this way without slowing the search path.
func (c *Coordinator) verify(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}

	durable, err := c.registry.Durable()
	if err != nil {
		return
	}
	for _, id := range ids {
		getCtx, cancel := context.WithTimeout(ctx, c.opts.BackendTimeout)
		_, err := durable.Get(getCtx, id)
		cancel()
		if IsRecordNotFound(err) {
			c.markOrphans(id)
		}
	}
}

func (c *Coordinator) markOrphans(ids ...string) {
	c.orphanMu.Lock()
	for _, id := range ids {
		c.orphans[id] = struct{}{}
	}
	c.orphanMu.Unlock()
}
