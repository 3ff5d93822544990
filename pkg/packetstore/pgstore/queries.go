package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/budgierless/spark-advisory-engine/pkg/advisoryerr"
	"github.com/budgierless/spark-advisory-engine/pkg/model"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
)

// SavePacket upserts a packet by packet_id, keeping the indexed columns in
// sync with the JSONB body.
func (s *Store) SavePacket(p *model.Packet) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("pgstore: marshaling packet: %w", err)
	}
	ctx := context.Background()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO packets (packet_id, project_key, session_context_key, tool_name,
			intent_family, task_plane, fresh_until_ts, updated_ts, invalidated,
			effectiveness_score, body)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (packet_id) DO UPDATE SET
			project_key = EXCLUDED.project_key,
			session_context_key = EXCLUDED.session_context_key,
			tool_name = EXCLUDED.tool_name,
			intent_family = EXCLUDED.intent_family,
			task_plane = EXCLUDED.task_plane,
			fresh_until_ts = EXCLUDED.fresh_until_ts,
			updated_ts = EXCLUDED.updated_ts,
			invalidated = EXCLUDED.invalidated,
			effectiveness_score = EXCLUDED.effectiveness_score,
			body = EXCLUDED.body
	`, p.PacketID, p.ProjectKey, p.SessionContextKey, p.ToolName, p.IntentFamily,
		p.TaskPlane, p.FreshUntilTS, p.UpdatedTS, p.Invalidated, p.EffectivenessScore, body)
	if err != nil {
		return fmt.Errorf("pgstore: saving packet: %w", err)
	}
	return nil
}

func scanBody(row pgx.Row) (*model.Packet, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w", advisoryerr.ErrNotFound)
		}
		return nil, fmt.Errorf("pgstore: scanning packet: %w", err)
	}
	var p model.Packet
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("pgstore: decoding packet body: %w", err)
	}
	return &p, nil
}

// GetPacket reads a single packet by id.
func (s *Store) GetPacket(packetID string) (*model.Packet, error) {
	row := s.pool.QueryRow(context.Background(), `SELECT body FROM packets WHERE packet_id = $1`, packetID)
	return scanBody(row)
}

// LookupExact mirrors FileStore's exact match, enforced with the unique
// (project, session_context, tool, intent) index.
func (s *Store) LookupExact(projectKey, sessionContextKey, toolName, intentFamily string) (*model.Packet, error) {
	row := s.pool.QueryRow(context.Background(), `
		SELECT body FROM packets
		WHERE project_key = $1 AND session_context_key = $2 AND tool_name = $3 AND intent_family = $4
			AND NOT invalidated AND fresh_until_ts >= now()
	`, projectKey, sessionContextKey, toolName, intentFamily)
	return scanBody(row)
}

// LookupRelaxed expresses the tool/intent/plane and effectiveness weights of
// FileStore.LookupRelaxed as a single SQL expression, ordered server-side.
// Unlike FileStore.LookupRelaxed it adds no recency bonus and applies no
// minimum-dimension or minimum-score gate: the top-ordered fresh packet of
// the project is returned even when nothing but a wildcard tool matches.
func (s *Store) LookupRelaxed(q packetstore.RelaxedQuery) (*model.Packet, error) {
	cfg := packetstore.DefaultConfig()
	row := s.pool.QueryRow(context.Background(), `
		SELECT body FROM packets
		WHERE project_key = $1 AND NOT invalidated AND fresh_until_ts >= now()
			AND (
				($2 = '' OR tool_name = $2 OR tool_name = '' OR tool_name = '*')
			)
		ORDER BY (
			CASE WHEN $2 != '' AND tool_name = $2 THEN 4
			     WHEN tool_name = '' OR tool_name = '*' THEN 0.5
			     ELSE 0 END
			+ CASE WHEN $3 != '' AND intent_family = $3 THEN 3 ELSE 0 END
			+ CASE WHEN $4 != '' AND task_plane = $4 THEN 2 ELSE 0 END
			+ effectiveness_score * $5
			- CASE WHEN effectiveness_score < $6 THEN $7 ELSE 0 END
		) DESC
		LIMIT 1
	`, q.ProjectKey, q.ToolName, q.IntentFamily, q.TaskPlane,
		cfg.RelaxedEffectivenessWeight, cfg.RelaxedLowEffectivenessThreshold, cfg.RelaxedLowEffectivenessPenalty)
	return scanBody(row)
}

// InvalidatePacket marks one packet invalid.
func (s *Store) InvalidatePacket(packetID, reason string) error {
	p, err := s.GetPacket(packetID)
	if err != nil {
		return err
	}
	p.Invalidated = true
	p.InvalidatedReason = reason
	return s.SavePacket(p)
}

// InvalidatePackets bulk-invalidates matching packets, mirroring
// FileStore.InvalidatePackets' matching rules: project_key/tool_name/
// intent_family each narrow independently only when non-empty, and a
// non-empty fileHint additionally requires the packet body's advisory_text
// or advice_items to reference the file's basename — not the tool name.
func (s *Store) InvalidatePackets(projectKey, toolName, intentFamily, reason, fileHint string) (int, error) {
	fileHintBase := ""
	if fileHint != "" {
		fileHintBase = filepath.Base(filepath.ToSlash(fileHint))
	}

	ctx := context.Background()
	rows, err := s.pool.Query(ctx, `
		SELECT packet_id, body FROM packets
		WHERE ($1 = '' OR project_key = $1) AND NOT invalidated
			AND ($2 = '' OR tool_name = $2)
			AND ($3 = '' OR intent_family = $3)
			AND ($4 = '' OR
				body->>'advisory_text' ILIKE '%' || $4 || '%' OR
				(body->'advice_items')::text ILIKE '%' || $4 || '%')
	`, projectKey, toolName, intentFamily, fileHintBase)
	if err != nil {
		return 0, fmt.Errorf("pgstore: querying invalidation candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return 0, fmt.Errorf("pgstore: scanning invalidation row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE packets SET invalidated = true,
			body = jsonb_set(jsonb_set(body, '{invalidated}', 'true'), '{invalidated_reason}', to_jsonb($2::text))
		WHERE packet_id = ANY($1)
	`, ids, reason)
	if err != nil {
		return 0, fmt.Errorf("pgstore: applying invalidation: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecordPacketUsage updates usage/emit counters.
func (s *Store) RecordPacketUsage(packetID string, emitted bool, route string) error {
	p, err := s.GetPacket(packetID)
	if err != nil {
		return err
	}
	p.UsageCount++
	if emitted {
		p.EmitCount++
	}
	p.LastUsedTS = time.Now()
	p.LastRoute = route
	return s.SavePacket(p)
}

// RecordPacketFeedback applies a feedback event and recomputes effectiveness.
func (s *Store) RecordPacketFeedback(packetID string, helpful *bool, noisy, followed bool, source string) error {
	p, err := s.GetPacket(packetID)
	if err != nil {
		return err
	}
	applyFeedback(p, helpful, noisy, followed, source)
	return s.SavePacket(p)
}

// RecordPacketFeedbackForAdvice finds the newest packet carrying adviceID via
// a JSONB containment query rather than a full-table scan in Go.
func (s *Store) RecordPacketFeedbackForAdvice(adviceID string, helpful *bool, noisy, followed bool, source string) error {
	row := s.pool.QueryRow(context.Background(), `
		SELECT body FROM packets
		WHERE body -> 'advice_items' @> $1::jsonb
		ORDER BY updated_ts DESC
		LIMIT 1
	`, fmt.Sprintf(`[{"advice_id":%q}]`, adviceID))
	p, err := scanBody(row)
	if err != nil {
		return err
	}
	applyFeedback(p, helpful, noisy, followed, source)
	return s.SavePacket(p)
}

func applyFeedback(p *model.Packet, helpful *bool, noisy, followed bool, source string) {
	p.FeedbackCount++
	if helpful != nil {
		if *helpful {
			p.HelpfulCount++
		} else {
			p.UnhelpfulCount++
		}
	}
	if noisy {
		p.NoisyCount++
	}
	p.LastFeedback = &model.Feedback{
		Helpful: helpful, Noisy: noisy, Followed: followed, Source: source, Timestamp: time.Now(),
	}
	p.EffectivenessScore = packetstore.EffectivenessScore(p.HelpfulCount, p.UnhelpfulCount, p.NoisyCount)
	p.UpdatedTS = time.Now()
}

// EnqueuePrefetchJob inserts a prefetch job row.
func (s *Store) EnqueuePrefetchJob(job model.PrefetchJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("pgstore: marshaling prefetch job: %w", err)
	}
	_, err = s.pool.Exec(context.Background(), `
		INSERT INTO prefetch_jobs (job_id, created_ts, body) VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO NOTHING
	`, job.JobID, job.CreatedTS, body)
	if err != nil {
		return fmt.Errorf("pgstore: enqueuing prefetch job: %w", err)
	}
	return nil
}

// ReadPrefetchQueue returns every queued prefetch job, oldest first.
func (s *Store) ReadPrefetchQueue() ([]model.PrefetchJob, error) {
	rows, err := s.pool.Query(context.Background(), `
		SELECT body FROM prefetch_jobs ORDER BY created_ts ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: reading prefetch queue: %w", err)
	}
	defer rows.Close()

	var jobs []model.PrefetchJob
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("pgstore: scanning prefetch job: %w", err)
		}
		var job model.PrefetchJob
		if err := json.Unmarshal(body, &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterating prefetch queue: %w", err)
	}
	return jobs, nil
}

var _ packetstore.Store = (*Store)(nil)
