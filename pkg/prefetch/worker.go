package prefetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/budgierless/spark-advisory-engine/internal/prefetchplan"
	"github.com/budgierless/spark-advisory-engine/pkg/gate"
	"github.com/budgierless/spark-advisory-engine/pkg/model"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
)

// Result is process_prefetch_queue's return value (spec.md §4.10).
type Result struct {
	OK            bool   `json:"ok"`
	Reason        string `json:"reason,omitempty"`
	JobsProcessed int    `json:"jobs_processed"`
	PacketsBuilt  int    `json:"packets_built"`
}

// Worker implements spec.md §4.10's process_prefetch_queue contract. It
// runs as a separate process or loop from the engine's per-hook
// invocations, communicating only through the packet store's queue and
// its own state file (spec.md §4.9's "background work runs separately"
// scheduling model).
type Worker struct {
	cfgMu     sync.RWMutex
	cfg       Config
	store     packetstore.Store
	statePath string
	table     *prefetchplan.Table

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Worker over store, persisting its own bookkeeping at
// statePath.
func New(cfg Config, store packetstore.Store, statePath string) *Worker {
	return &Worker{
		cfg:       cfg,
		store:     store,
		statePath: statePath,
		table:     prefetchplan.Load(),
		stopCh:    make(chan struct{}),
	}
}

// SetConfig swaps the worker's tunables, letting the "advisory_prefetch"
// section's hot-reloaded values apply to the next ProcessQueue call.
func (w *Worker) SetConfig(cfg Config) {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	w.cfg = cfg
}

func (w *Worker) getConfig() Config {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg
}

// Pause sets the manual pause flag in the worker's persisted state, so the
// next ProcessQueue call returns {ok:false, reason:"paused"} without
// touching the queue.
func (w *Worker) Pause(reason string) error {
	st := loadWorkerState(w.statePath)
	st.Paused = true
	st.PauseReason = reason
	return saveWorkerState(w.statePath, st)
}

// Resume clears the manual pause flag.
func (w *Worker) Resume() error {
	st := loadWorkerState(w.statePath)
	st.Paused = false
	st.PauseReason = ""
	return saveWorkerState(w.statePath, st)
}

// ProcessQueue implements process_prefetch_queue(max_jobs, max_tools_per_job)
// (spec.md §4.10): reads the append-only queue, plans and materializes
// prefetch_deterministic packets for pending jobs, and persists the
// processed-job-id bookkeeping. It bounds itself to the worker's own
// "advisory_prefetch" max_jobs_per_run setting.
func (w *Worker) ProcessQueue(now time.Time) Result {
	maxJobs := w.getConfig().MaxJobsPerRun
	if maxJobs <= 0 {
		maxJobs = DefaultConfig().MaxJobsPerRun
	}
	return w.processQueue(now, maxJobs)
}

// ProcessQueueBounded runs the same pass as ProcessQueue but caps jobs
// processed at maxJobs regardless of the worker's own configured limit —
// the engine uses this for the "advisory_engine.prefetch_inline_max_jobs"
// bound when invoking the worker synchronously from on_user_prompt.
func (w *Worker) ProcessQueueBounded(now time.Time, maxJobs int) Result {
	if maxJobs <= 0 {
		return Result{OK: false, Reason: "max_jobs_not_positive"}
	}
	return w.processQueue(now, maxJobs)
}

func (w *Worker) processQueue(now time.Time, maxJobs int) Result {
	cfg := w.getConfig()

	st := loadWorkerState(w.statePath)
	if st.Paused {
		return Result{OK: false, Reason: "paused"}
	}
	if !cfg.WorkerEnabled {
		return Result{OK: false, Reason: "worker_disabled"}
	}

	jobs, err := w.store.ReadPrefetchQueue()
	if err != nil {
		return Result{OK: false, Reason: "queue_read_failed"}
	}

	processed := st.processedSet()

	jobsProcessed := 0
	packetsBuilt := 0
	for _, job := range jobs {
		if jobsProcessed >= maxJobs {
			break
		}
		if job.JobID == "" || processed[job.JobID] {
			continue
		}

		plans := plan(w.table, job, cfg.MaxToolsPerJob, cfg.MinProbability)
		for _, p := range plans {
			if err := w.materialize(p, now); err != nil {
				slog.Warn("prefetch: materializing packet failed", "job_id", job.JobID, "tool", p.ToolName, "error", err)
				continue
			}
			packetsBuilt++
		}

		st.ProcessedJobIDs = append(st.ProcessedJobIDs, job.JobID)
		processed[job.JobID] = true
		jobsProcessed++
	}

	st.LastRunAt = now
	st.ProcessedCount += jobsProcessed
	st.LastResult = "ok"
	if err := saveWorkerState(w.statePath, st); err != nil {
		slog.Warn("prefetch: saving worker state failed", "error", err)
	}

	return Result{OK: true, JobsProcessed: jobsProcessed, PacketsBuilt: packetsBuilt}
}

// materialize builds and persists a prefetched packet, retrying the store
// write with a short exponential backoff — unlike the engine's per-hook
// path, this runs off the latency budget entirely, so a transient disk or
// connection hiccup is worth a few retries rather than dropping the job.
func (w *Worker) materialize(p model.PrefetchPlan, now time.Time) error {
	packet := packetstore.BuildPacket(packetstore.BuildParams{
		ProjectKey:        p.ProjectKey,
		SessionContextKey: p.SessionContextKey,
		ToolName:          p.ToolName,
		IntentFamily:      p.IntentFamily,
		TaskPlane:         p.TaskPlane,
		AdvisoryText:      gate.FallbackText(p.IntentFamily),
		SourceMode:        model.SourceModePrefetchDeterministic,
		Lineage:           model.Lineage{Sources: []string{"prefetch"}, MemoryAbsentDeclared: true},
	}, now)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 50 * time.Millisecond
	retry.MaxElapsedTime = 2 * time.Second

	return backoff.Retry(func() error {
		return w.store.SavePacket(packet)
	}, retry)
}

// Start begins a polling loop that calls ProcessQueue on interval until
// Stop is called, for running the worker as its own long-lived process.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	w.wg.Add(1)
	go w.run(ctx, interval)
}

// Stop signals the polling loop to exit and waits for it to finish. Safe
// to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, interval time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := w.ProcessQueue(time.Now())
			if !res.OK {
				slog.Debug("prefetch: run skipped", "reason", res.Reason)
				continue
			}
			slog.Info("prefetch: run complete", "jobs_processed", res.JobsProcessed, "packets_built", res.PacketsBuilt)
		}
	}
}
