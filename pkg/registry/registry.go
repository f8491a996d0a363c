package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/events"
	"github.com/darianrosebrook/agent-agency/pkg/log"
	"github.com/darianrosebrook/agent-agency/pkg/storage"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

// Ranking weights for Query. They sum to 1.
const (
	weightCapability     = 0.4
	weightSpecialization = 0.3
	weightSuccessRate    = 0.2
	weightIdleness       = 0.1
)

// Promotion thresholds for specialization levels
const (
	promoteIntermediateTasks = 20
	promoteIntermediateRate  = 0.85
	promoteExpertTasks       = 50
	promoteExpertRate        = 0.90
	demoteMargin             = 0.10
)

// Config bounds the registry
type Config struct {
	MaxAgents int
}

// Registry is the capability-indexed agent directory. Reads are concurrent;
// writes serialize on the registry lock and apply atomically per agent.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*types.AgentProfile

	// Inverted indices for sub-linear candidate lookup
	byKind     map[string]map[string]bool
	byLanguage map[string]map[string]bool
	bySpec     map[string]map[string]bool

	config Config
	store  storage.Store
	bus    *events.Bus
	logger zerolog.Logger
	clock  func() time.Time
}

// New creates an agent registry. The store may be nil for an in-memory
// registry; the bus may be nil to suppress lifecycle events.
func New(cfg Config, store storage.Store, bus *events.Bus) *Registry {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 1000
	}
	return &Registry{
		agents:     make(map[string]*types.AgentProfile),
		byKind:     make(map[string]map[string]bool),
		byLanguage: make(map[string]map[string]bool),
		bySpec:     make(map[string]map[string]bool),
		config:     cfg,
		store:      store,
		bus:        bus,
		logger:     log.WithComponent("registry"),
		clock:      time.Now,
	}
}

// Register admits a new agent. The seed must carry an id, name, model family
// and at least one task kind.
func (r *Registry) Register(seed *types.AgentProfile) (*types.AgentProfile, error) {
	if err := validateSeed(seed); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[seed.ID]; exists {
		return nil, errdefs.Ef(errdefs.KindAgentExists, "agent already registered").WithRef(seed.ID)
	}
	if len(r.agents) >= r.config.MaxAgents {
		return nil, errdefs.Ef(errdefs.KindRegistryFull, "registry at capacity (%d agents)", r.config.MaxAgents)
	}

	now := r.clock()
	profile := cloneProfile(seed)
	profile.Status = types.AgentStatusAvailable
	profile.RegisteredAt = now
	profile.LastActiveAt = now
	if profile.Performance == nil {
		profile.Performance = &types.PerformanceHistory{}
	}
	if profile.Load == nil {
		profile.Load = &types.LoadInfo{}
	}
	if profile.Load.MaxConcurrency <= 0 {
		profile.Load.MaxConcurrency = 1
	}
	profile.Load.Utilization = utilization(profile.Load)

	if err := r.persist(profile); err != nil {
		return nil, err
	}

	r.agents[profile.ID] = profile
	r.index(profile)
	r.publish(types.EventAgentRegistered, profile.ID, map[string]string{"name": profile.Name})
	r.logger.Info().Str("agent_id", profile.ID).Str("model_family", profile.ModelFamily).Msg("agent registered")

	return cloneProfile(profile), nil
}

// Unregister removes an agent. Returns false when the id is unknown.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.agents[id]
	if !ok {
		return false
	}
	r.unindex(profile)
	delete(r.agents, id)
	if r.store != nil {
		if err := r.store.DeleteAgent(id); err != nil {
			r.logger.Error().Err(err).Str("agent_id", id).Msg("failed to delete agent from store")
		}
	}
	r.publish(types.EventAgentStatusChange, id, map[string]string{"status": string(types.AgentStatusRemoved)})
	return true
}

// Get returns a copy of the agent's profile
func (r *Registry) Get(id string) (*types.AgentProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.agents[id]
	if !ok {
		return nil, errdefs.Ef(errdefs.KindNotFound, "agent not found").WithRef(id)
	}
	return cloneProfile(profile), nil
}

// Filter narrows and thresholds a Query
type Filter struct {
	TaskKind        string
	Languages       []string
	Specializations []string
	// MaxUtilization excludes agents above this load; 0 means no limit
	MaxUtilization float64
	// MinSpecLevel and MinSpecSuccess threshold each required specialization
	MinSpecLevel   types.ExpertiseLevel
	MinSpecSuccess float64
	// Statuses restricts matches; empty means available only
	Statuses []types.AgentStatus
}

// Match pairs a profile copy with its ranking score
type Match struct {
	Profile *types.AgentProfile
	Score   float64
}

// Query returns eligible agents ranked by weighted score, ties broken by
// most recent activity.
func (r *Registry) Query(filter Filter) []*Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Match
	for _, id := range r.candidates(filter) {
		profile := r.agents[id]
		if !r.eligible(profile, filter) {
			continue
		}
		matches = append(matches, &Match{
			Profile: cloneProfile(profile),
			Score:   score(profile, filter),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Profile.LastActiveAt.After(matches[j].Profile.LastActiveAt)
	})
	return matches
}

// candidates narrows the id set through the inverted indices
func (r *Registry) candidates(filter Filter) []string {
	if filter.TaskKind == "" {
		ids := make([]string, 0, len(r.agents))
		for id := range r.agents {
			ids = append(ids, id)
		}
		return ids
	}
	set := r.byKind[filter.TaskKind]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) eligible(p *types.AgentProfile, filter Filter) bool {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []types.AgentStatus{types.AgentStatusAvailable}
	}
	statusOK := false
	for _, s := range statuses {
		if p.Status == s {
			statusOK = true
			break
		}
	}
	if !statusOK {
		return false
	}

	if filter.MaxUtilization > 0 && p.Load.Utilization > filter.MaxUtilization {
		return false
	}
	for _, lang := range filter.Languages {
		if !contains(p.Capability.Languages, lang) {
			return false
		}
	}
	for _, name := range filter.Specializations {
		spec := findSpec(p, name)
		if spec == nil {
			return false
		}
		if filter.MinSpecLevel != "" && spec.Level.Rank() < filter.MinSpecLevel.Rank() {
			return false
		}
		if spec.SuccessRate < filter.MinSpecSuccess {
			return false
		}
	}
	return true
}

// score computes the weighted ranking score for an eligible agent
func score(p *types.AgentProfile, filter Filter) float64 {
	capabilityFit := 1.0
	if filter.TaskKind != "" && !contains(p.Capability.TaskKinds, filter.TaskKind) {
		capabilityFit = 0
	}

	specializationFit := 1.0
	if len(filter.Specializations) > 0 {
		total := 0.0
		for _, name := range filter.Specializations {
			if spec := findSpec(p, name); spec != nil {
				total += (float64(spec.Level.Rank()) + 1) / 3 * spec.SuccessRate
			}
		}
		specializationFit = total / float64(len(filter.Specializations))
	}

	idleness := 1 - p.Load.Utilization/100

	return weightCapability*capabilityFit +
		weightSpecialization*specializationFit +
		weightSuccessRate*p.Performance.SuccessRate +
		weightIdleness*idleness
}

// PerformanceSample is one task outcome folded into an agent's history
type PerformanceSample struct {
	Success bool
	Quality float64
	Latency time.Duration
}

// UpdatePerformance folds a task outcome into the agent's running averages.
// The smoothing factor starts near 1 for a cold agent and decays toward a
// floor as the task count grows, so early samples dominate and later ones
// smooth.
func (r *Registry) UpdatePerformance(id string, sample PerformanceSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.agents[id]
	if !ok {
		return errdefs.Ef(errdefs.KindNotFound, "agent not found").WithRef(id)
	}

	perf := profile.Performance
	alpha := smoothing(perf.TaskCount)

	success := 0.0
	if sample.Success {
		success = 1.0
	}
	perf.SuccessRate = (1-alpha)*perf.SuccessRate + alpha*success
	perf.QualityScore = (1-alpha)*perf.QualityScore + alpha*sample.Quality
	perf.MeanLatency = time.Duration((1-alpha)*float64(perf.MeanLatency) + alpha*float64(sample.Latency))
	perf.TaskCount++
	profile.LastActiveAt = r.clock()

	return r.persist(profile)
}

// UpdateSpecialization folds a task outcome into one specialization and
// applies the promotion ladder.
func (r *Registry) UpdateSpecialization(id, name string, sample PerformanceSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.agents[id]
	if !ok {
		return errdefs.Ef(errdefs.KindNotFound, "agent not found").WithRef(id)
	}
	spec := findSpec(profile, name)
	if spec == nil {
		return errdefs.Ef(errdefs.KindNotFound, "specialization not declared").WithRef(name)
	}

	alpha := smoothing(spec.TaskCount)
	success := 0.0
	if sample.Success {
		success = 1.0
	}
	spec.SuccessRate = (1-alpha)*spec.SuccessRate + alpha*success
	spec.AverageQuality = (1-alpha)*spec.AverageQuality + alpha*sample.Quality
	spec.TaskCount++
	spec.LastUsed = r.clock()

	prior := spec.Level
	spec.Level = ladder(spec)
	if spec.Level != prior {
		r.logger.Info().Str("agent_id", id).Str("specialization", name).
			Str("from", string(prior)).Str("to", string(spec.Level)).Msg("specialization level changed")
	}

	return r.persist(profile)
}

// ladder computes the level a specialization's record supports
func ladder(spec *types.Specialization) types.ExpertiseLevel {
	switch spec.Level {
	case types.ExpertiseNovice:
		if spec.TaskCount >= promoteIntermediateTasks && spec.SuccessRate >= promoteIntermediateRate {
			return types.ExpertiseIntermediate
		}
	case types.ExpertiseIntermediate:
		if spec.TaskCount >= promoteExpertTasks && spec.SuccessRate >= promoteExpertRate {
			return types.ExpertiseExpert
		}
		if spec.SuccessRate < promoteIntermediateRate-demoteMargin {
			return types.ExpertiseNovice
		}
	case types.ExpertiseExpert:
		if spec.SuccessRate < promoteExpertRate-demoteMargin {
			return types.ExpertiseIntermediate
		}
	}
	return spec.Level
}

// UpdateStatus transitions an agent's lifecycle status
func (r *Registry) UpdateStatus(id string, status types.AgentStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.agents[id]
	if !ok {
		return errdefs.Ef(errdefs.KindNotFound, "agent not found").WithRef(id)
	}
	profile.Status = status
	profile.StatusReason = reason
	profile.LastActiveAt = r.clock()

	if err := r.persist(profile); err != nil {
		return err
	}
	r.publish(types.EventAgentStatusChange, id, map[string]string{
		"status": string(status),
		"reason": reason,
	})
	return nil
}

// UpdateLoad records an agent's current workload and derives utilization
func (r *Registry) UpdateLoad(id string, active, queued int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.agents[id]
	if !ok {
		return errdefs.Ef(errdefs.KindNotFound, "agent not found").WithRef(id)
	}
	profile.Load.ActiveTasks = active
	profile.Load.QueuedTasks = queued
	profile.Load.Utilization = utilization(profile.Load)
	return r.persist(profile)
}

// TaskStarted bumps the agent's active task count
func (r *Registry) TaskStarted(id string) {
	r.adjustLoad(id, 1)
}

// TaskFinished releases one active task slot
func (r *Registry) TaskFinished(id string) {
	r.adjustLoad(id, -1)
}

func (r *Registry) adjustLoad(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.agents[id]
	if !ok {
		return
	}
	profile.Load.ActiveTasks += delta
	if profile.Load.ActiveTasks < 0 {
		profile.Load.ActiveTasks = 0
	}
	profile.Load.Utilization = utilization(profile.Load)
	if err := r.persist(profile); err != nil {
		r.logger.Warn().Err(err).Str("agent_id", id).Msg("load persist failed")
	}
}

// Stats summarizes registry occupancy
type Stats struct {
	Total     int                       `json:"total"`
	ByStatus  map[types.AgentStatus]int `json:"by_status"`
	MaxAgents int                       `json:"max_agents"`
}

// Stats returns registry occupancy counters
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:     len(r.agents),
		ByStatus:  make(map[types.AgentStatus]int),
		MaxAgents: r.config.MaxAgents,
	}
	for _, profile := range r.agents {
		stats.ByStatus[profile.Status]++
	}
	return stats
}

// List returns copies of all profiles
func (r *Registry) List() []*types.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profiles := make([]*types.AgentProfile, 0, len(r.agents))
	for _, profile := range r.agents {
		profiles = append(profiles, cloneProfile(profile))
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles
}

// Restore loads previously persisted agents into the in-memory indices.
// Called once at startup, before any traffic.
func (r *Registry) Restore() error {
	if r.store == nil {
		return nil
	}
	agents, err := r.store.ListAgents()
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "restoring agents")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, profile := range agents {
		if profile.Status == types.AgentStatusRemoved {
			continue
		}
		r.agents[profile.ID] = profile
		r.index(profile)
	}
	return nil
}

// Internal helpers. Callers hold the registry lock.

func (r *Registry) persist(profile *types.AgentProfile) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.UpdateAgent(profile); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "persisting agent").WithRef(profile.ID)
	}
	return nil
}

func (r *Registry) publish(kind types.EventKind, agentID string, payload map[string]string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(&events.Event{
		Topic:   events.TopicAgentLifecycle,
		Kind:    string(kind),
		AgentID: agentID,
		Payload: payload,
	})
}

func (r *Registry) index(p *types.AgentProfile) {
	for _, kind := range p.Capability.TaskKinds {
		addIndex(r.byKind, kind, p.ID)
	}
	for _, lang := range p.Capability.Languages {
		addIndex(r.byLanguage, lang, p.ID)
	}
	for _, spec := range p.Capability.Specializations {
		addIndex(r.bySpec, spec.Name, p.ID)
	}
}

func (r *Registry) unindex(p *types.AgentProfile) {
	for _, kind := range p.Capability.TaskKinds {
		removeIndex(r.byKind, kind, p.ID)
	}
	for _, lang := range p.Capability.Languages {
		removeIndex(r.byLanguage, lang, p.ID)
	}
	for _, spec := range p.Capability.Specializations {
		removeIndex(r.bySpec, spec.Name, p.ID)
	}
}

func addIndex(index map[string]map[string]bool, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]bool)
		index[key] = set
	}
	set[id] = true
}

func removeIndex(index map[string]map[string]bool, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func validateSeed(seed *types.AgentProfile) error {
	switch {
	case seed == nil:
		return errdefs.E(errdefs.KindInvalidInput, "agent profile required")
	case seed.ID == "":
		return errdefs.E(errdefs.KindInvalidInput, "agent id required").WithRef("id")
	case seed.Name == "":
		return errdefs.E(errdefs.KindInvalidInput, "agent name required").WithRef("name")
	case seed.ModelFamily == "":
		return errdefs.E(errdefs.KindInvalidInput, "model family required").WithRef("model_family")
	case seed.Capability == nil || len(seed.Capability.TaskKinds) == 0:
		return errdefs.E(errdefs.KindInvalidInput, "at least one task kind required").WithRef("capability.task_kinds")
	}
	return nil
}

// smoothing returns the exponential averaging factor for the next sample.
// Cold agents weight new data heavily; mature agents smooth.
func smoothing(taskCount int) float64 {
	alpha := 1.0 / float64(taskCount+1)
	if alpha < 0.05 {
		alpha = 0.05
	}
	return alpha
}

func utilization(load *types.LoadInfo) float64 {
	if load.MaxConcurrency <= 0 {
		return 0
	}
	u := 100 * float64(load.ActiveTasks) / float64(load.MaxConcurrency)
	if u > 100 {
		u = 100
	}
	return u
}

func findSpec(p *types.AgentProfile, name string) *types.Specialization {
	for _, spec := range p.Capability.Specializations {
		if spec.Name == name {
			return spec
		}
	}
	return nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func cloneProfile(p *types.AgentProfile) *types.AgentProfile {
	clone := *p
	if p.Capability != nil {
		capability := types.Capability{
			TaskKinds: append([]string(nil), p.Capability.TaskKinds...),
			Languages: append([]string(nil), p.Capability.Languages...),
		}
		for _, spec := range p.Capability.Specializations {
			s := *spec
			capability.Specializations = append(capability.Specializations, &s)
		}
		clone.Capability = &capability
	}
	if p.Performance != nil {
		perf := *p.Performance
		clone.Performance = &perf
	}
	if p.Load != nil {
		load := *p.Load
		clone.Load = &load
	}
	return &clone
}
