package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/budgierless/spark-advisory-engine/pkg/advisor"
	"github.com/budgierless/spark-advisory-engine/pkg/engine"
	"github.com/budgierless/spark-advisory-engine/pkg/gate"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
	"github.com/budgierless/spark-advisory-engine/pkg/prefetch"
	"github.com/budgierless/spark-advisory-engine/pkg/synth"
)

// packetStoreConfigurable is satisfied by *packetstore.FileStore. Other
// packetstore.Store implementations (pgstore.Store) keep their own
// connection-level Config and aren't hot-reloadable through this path; the
// manager simply skips pushing updates to a store that doesn't implement it.
type packetStoreConfigurable interface {
	SetConfig(packetstore.Config)
}

// registered holds the live subsystem instances a Manager pushes
// hot-reloaded config onto. Every field is optional — a daemon registers
// whichever subsystems it actually constructed.
type registered struct {
	advisor     *advisor.Advisor
	engine      *engine.Engine
	packetStore packetStoreConfigurable
	prefetch    *prefetch.Worker
	synth       *synth.Synthesizer
}

// Manager implements spec.md §6's Runtime Configuration Manager: it loads
// <spark_home>/tuneables.json, merges each section onto the relevant
// subsystem's already-effective config (unknown keys warned about,
// out-of-range values clamped), and polls the file's mtime so later edits
// hot-reload without restarting the host process. No pack example shows a
// file-watch mechanism (fsnotify appears only as an unused transitive
// dependency), so this polls with the stdlib the same way the teacher polls
// for other background conditions (pkg/agent/orchestrator's health loop).
type Manager struct {
	path string

	mu   sync.Mutex
	eff  effectiveDefaults
	subs registered

	minimaxModel string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a Manager reading tuneables.json from path. Subsystems
// start on their own DefaultConfig() until the first Load or reload.
func NewManager(path string) *Manager {
	return &Manager{path: path, eff: newEffectiveDefaults()}
}

// RegisterAdvisor, RegisterEngine, RegisterPacketStore,
// RegisterPrefetchWorker, and RegisterSynthesizer attach a live subsystem
// instance so the next reload pushes its section straight to it. Call these
// any time before or after Start — a reload always pushes to whatever is
// currently registered.
func (m *Manager) RegisterAdvisor(a *advisor.Advisor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs.advisor = a
}

func (m *Manager) RegisterEngine(e *engine.Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs.engine = e
}

func (m *Manager) RegisterPacketStore(s packetStoreConfigurable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs.packetStore = s
}

func (m *Manager) RegisterPrefetchWorker(w *prefetch.Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs.prefetch = w
}

func (m *Manager) RegisterSynthesizer(s *synth.Synthesizer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs.synth = s
}

// Load reads tuneables.json once and applies it, returning any unknown-key
// warnings. A missing file is not an error — subsystems simply keep running
// on their own defaults until one is created.
func (m *Manager) Load() ([]string, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading tuneables.json: %w", err)
	}
	return m.apply(data)
}

// Start begins polling the tuneables.json mtime every interval, reloading
// and re-pushing config to every registered subsystem on change. It loads
// once synchronously before returning so callers can observe startup
// warnings immediately.
func (m *Manager) Start(ctx context.Context, interval time.Duration) ([]string, error) {
	warnings, err := m.Load()
	if err != nil {
		return warnings, err
	}

	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.pollLoop(ctx, interval)
	return warnings, nil
}

// Stop ends the polling goroutine started by Start and waits for it to
// exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.stopCh != nil {
			close(m.stopCh)
		}
	})
	m.wg.Wait()
}

func (m *Manager) pollLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(m.path); err == nil {
		lastMod = info.ModTime()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(m.path)
			if err != nil {
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			if warnings, err := m.Load(); err != nil {
				slog.Warn("config: reload failed", "path", m.path, "error", err)
			} else {
				for _, w := range warnings {
					slog.Warn("config: tuneables.json", "warning", w)
				}
			}
		}
	}
}

func (m *Manager) apply(data []byte) ([]string, error) {
	var file TuneablesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parsing tuneables.json: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var warnings []string
	note := func(section string, unknown []string, err error) {
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", section, err))
			return
		}
		for _, key := range unknown {
			warnings = append(warnings, fmt.Sprintf("%s: unknown key %q ignored", section, key))
		}
	}

	advisorCfg := m.eff.advisor
	unknown, err := applyAdvisorSection(&advisorCfg, file.Advisor)
	note("advisor", unknown, err)
	m.eff.advisor = clampAdvisor(advisorCfg)

	engineCfg := m.eff.engine
	unknown, err = applyEngineSection(&engineCfg, file.AdvisoryEngine)
	note("advisory_engine", unknown, err)
	m.eff.engine = clampEngine(engineCfg)

	gateCfg := m.eff.gate
	unknown, err = applyGateSection(&gateCfg, file.AdvisoryGate)
	note("advisory_gate", unknown, err)
	m.eff.gate = gateCfg

	packetCfg := m.eff.packetStore
	unknown, err = applyPacketStoreSection(&packetCfg, file.AdvisoryPacketStore)
	note("advisory_packet_store", unknown, err)
	m.eff.packetStore = clampPacketStore(packetCfg)

	prefetchCfg := m.eff.prefetch
	unknown, err = applyPrefetchSection(&prefetchCfg, file.AdvisoryPrefetch)
	note("advisory_prefetch", unknown, err)
	m.eff.prefetch = clampPrefetch(prefetchCfg)

	synthCfg := m.eff.synth
	unknown, err = applySynthSection(&synthCfg, file.Synthesizer)
	note("synthesizer", unknown, err)
	m.eff.synth = clampSynth(synthCfg)

	m.applyPreferencesLocked(file.AdvisoryPreferences, note)
	m.applyQualityLocked(file.AdvisoryQuality, note)

	m.pushLocked()
	return warnings, nil
}

// applyPreferencesLocked fans "advisory_preferences" out across the advisor
// and engine configs it actually governs: memory_mode selects whether
// fusion includes the mind layer and whether the advisor replays past
// sessions, guidance_style sets the advisor's tone and, indirectly, the
// synthesizer overlay pushLocked installs.
func (m *Manager) applyPreferencesLocked(raw json.RawMessage, note func(string, []string, error)) {
	if len(raw) == 0 {
		return
	}
	var sec AdvisoryPreferencesSection
	unknown, err := decodeKnownFields(raw, &sec)
	note("advisory_preferences", unknown, err)
	if err != nil {
		return
	}

	switch sec.MemoryMode {
	case "off", "standard":
		m.eff.engine.IncludeMind = false
		m.eff.advisor.ReplayMode = false
	case "replay":
		m.eff.engine.IncludeMind = true
		m.eff.advisor.ReplayMode = true
	case "":
	default:
		note("advisory_preferences", nil, fmt.Errorf("unrecognized memory_mode %q, keeping previous", sec.MemoryMode))
	}

	switch sec.GuidanceStyle {
	case "concise", "balanced", "coach":
		m.eff.advisor.GuidanceStyle = sec.GuidanceStyle
	case "":
	default:
		note("advisory_preferences", nil, fmt.Errorf("unrecognized guidance_style %q, keeping previous", sec.GuidanceStyle))
	}
}

// applyQualityLocked fans "advisory_quality" out: profile selects a
// candidate-pool/rank-floor preset, preferred_provider and ai_timeout_s flow
// straight into the synthesizer config. minimax_model is accepted and
// retained for status reporting only — no provider in this deployment's
// stack implements a minimax backend, so there's nothing to wire it to (see
// DESIGN.md).
func (m *Manager) applyQualityLocked(raw json.RawMessage, note func(string, []string, error)) {
	if len(raw) == 0 {
		return
	}
	var sec AdvisoryQualitySection
	unknown, err := decodeKnownFields(raw, &sec)
	note("advisory_quality", unknown, err)
	if err != nil {
		return
	}

	if sec.Profile != "" {
		if preset, ok := qualityProfileTable[sec.Profile]; ok {
			m.eff.advisor.MaxItems = preset.MaxItems
			m.eff.advisor.MinRankScore = preset.MinRankScore
		} else {
			note("advisory_quality", nil, fmt.Errorf("unrecognized profile %q, keeping previous", sec.Profile))
		}
	}
	if sec.PreferredProvider != "" {
		m.eff.synth.PreferredProvider = sec.PreferredProvider
	}
	if sec.AITimeoutS > 0 {
		m.eff.synth.AITimeout = time.Duration(sec.AITimeoutS * float64(time.Second))
	}
	if sec.MinimaxModel != "" {
		m.minimaxModel = sec.MinimaxModel
	}
}

// pushLocked re-applies the manager's current effective configs to every
// registered subsystem. Called after every successful reload, under mu.
func (m *Manager) pushLocked() {
	if m.subs.advisor != nil {
		m.subs.advisor.SetConfig(m.eff.advisor)
	}
	if m.subs.engine != nil {
		m.subs.engine.SetConfig(m.eff.engine)
		m.subs.engine.SetGateConfig(m.eff.gate)
		m.subs.engine.SetPacketConfig(m.eff.packetStore)
	}
	if m.subs.packetStore != nil {
		m.subs.packetStore.SetConfig(m.eff.packetStore)
	}
	if m.subs.prefetch != nil {
		m.subs.prefetch.SetConfig(m.eff.prefetch)
	}
	if m.subs.synth != nil {
		m.subs.synth.SetConfig(m.eff.synth)
		m.subs.synth.SetOverlay(GuidanceOverlay(m.eff.advisor.GuidanceStyle))
	}
}

// Snapshot returns a copy of the manager's current effective configuration,
// for the localhost dashboard's status endpoint.
type Snapshot struct {
	Advisor      advisor.Config
	Engine       engine.Config
	Gate         gate.Config
	PacketStore  packetstore.Config
	Prefetch     prefetch.Config
	Synth        synth.Config
	MinimaxModel string
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Advisor:      m.eff.advisor,
		Engine:       m.eff.engine,
		Gate:         m.eff.gate,
		PacketStore:  m.eff.packetStore,
		Prefetch:     m.eff.prefetch,
		Synth:        m.eff.synth,
		MinimaxModel: m.minimaxModel,
	}
}
