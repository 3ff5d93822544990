package prefetch

import (
	"github.com/budgierless/spark-advisory-engine/internal/prefetchplan"
	"github.com/budgierless/spark-advisory-engine/pkg/intent"
	"github.com/budgierless/spark-advisory-engine/pkg/model"
)

// plan implements spec.md §4.10's planner: up to maxTools predicted
// (project_key, session_context_key, tool_name, intent_family, task_plane,
// probability) rows per job, filtered to >= minProbability. The predicted
// session_context_key is recomputed per tool with the same hash
// intent.SessionContextKey uses at on_pre_tool lookup time, using the
// job's recorded phase and recent-tool sequence.
func plan(table *prefetchplan.Table, job model.PrefetchJob, maxTools int, minProbability float64) []model.PrefetchPlan {
	predictions := table.Predictions(job.IntentFamily)

	out := make([]model.PrefetchPlan, 0, maxTools)
	for _, p := range predictions {
		if len(out) >= maxTools {
			break
		}
		if p.Probability < minProbability {
			continue
		}
		sessionContextKey := intent.SessionContextKey(job.Phase, job.IntentFamily, p.Tool, job.LastTools)
		out = append(out, model.PrefetchPlan{
			ProjectKey:        job.ProjectKey,
			SessionContextKey: sessionContextKey,
			ToolName:          p.Tool,
			IntentFamily:      job.IntentFamily,
			TaskPlane:         job.TaskPlane,
			Probability:       p.Probability,
		})
	}
	return out
}
