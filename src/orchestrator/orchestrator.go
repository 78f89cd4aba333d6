// Package orchestrator implements C12: the round state machine that
// drives client selection, update collection, and aggregation. Grounded
// on spec.md §4.12's state diagram, reproduced below as a switch-driven
// transition function; the periodic-ticker structure follows the
// teacher's federated baseline Run(ctx) + time.Ticker select loop.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flcs/coordinator/src/adrm/engine"
	"github.com/flcs/coordinator/src/adrm/response"
	"github.com/flcs/coordinator/src/crypto/hecodec"
	"github.com/flcs/coordinator/src/crypto/ssscodec"
	"github.com/flcs/coordinator/src/flerrors"
	"github.com/flcs/coordinator/src/globalmodel"
	"github.com/flcs/coordinator/src/parammap"
	"github.com/flcs/coordinator/src/ppm"
	"github.com/flcs/coordinator/src/registry"
	"github.com/flcs/coordinator/src/sam"
	"github.com/flcs/coordinator/src/tensorcodec"
)

// State is one of the RoundState enumeration's members (spec.md §4.12).
type State string

const (
	StateIdle                     State = "idle"
	StatePausedInsufficientClients State = "paused_insufficient_clients"
	StateClientSelection          State = "client_selection"
	StateWaitingForUpdates        State = "waiting_for_updates"
	StateAggregating              State = "aggregating"
	StateFinished                 State = "finished"
	StateStandby                  State = "standby"
)

// Config configures round policy, per spec.md §6.
type Config struct {
	ClientsPerRound     int
	MinClientsForRound  int
	RoundTimeout        time.Duration
	MaxRounds           uint64
	StatusCheckInterval time.Duration
	DefaultMethod       sam.Method // default fedadam
}

// shareState accumulates SSS bundles for one client until k are present.
type shareState struct {
	bundles []ssscodec.Bundle
}

// Orchestrator is C12. All state transitions are serialized by a single
// round lock; update receivers briefly acquire it only to append to
// updates/shares, never to run the full aggregation step inline with a
// lock held by someone else.
type Orchestrator struct {
	mu sync.Mutex

	state           State
	round           uint64
	selectedClients map[string]struct{}
	roundStartTS    time.Time

	updates      map[string]parammap.ParameterMap
	privacyModes map[string]ppm.PrivacyMode
	shares       map[string]*shareState

	cfg      Config
	reg      *registry.Registry
	resp     *response.System
	eng      *engine.Engine
	auditor  *ppm.Auditor
	agg      *sam.Aggregator
	global   *globalmodel.Registry
	hec      *hecodec.PassThrough
	evalFn   globalmodel.EvaluateFunc
	sssK     int
	log      zerolog.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Registry   *registry.Registry
	Response   *response.System
	Engine     *engine.Engine
	Auditor    *ppm.Auditor
	Aggregator *sam.Aggregator
	GlobalModel *globalmodel.Registry
	EvaluateFn globalmodel.EvaluateFunc
	SSSThreshold int // k for Shamir reconstruction
}

// New constructs an Orchestrator in the IDLE state.
func New(cfg Config, deps Deps, log zerolog.Logger) *Orchestrator {
	if cfg.DefaultMethod == "" {
		cfg.DefaultMethod = sam.MethodFedAdam
	}
	return &Orchestrator{
		state:           StateIdle,
		selectedClients: make(map[string]struct{}),
		updates:         make(map[string]parammap.ParameterMap),
		privacyModes:    make(map[string]ppm.PrivacyMode),
		shares:          make(map[string]*shareState),
		cfg:             cfg,
		reg:             deps.Registry,
		resp:            deps.Response,
		eng:             deps.Engine,
		auditor:         deps.Auditor,
		agg:             deps.Aggregator,
		global:          deps.GlobalModel,
		hec:             hecodec.New(),
		evalFn:          deps.EvaluateFn,
		sssK:            deps.SSSThreshold,
		log:             log,
	}
}

// State returns the current state and round number.
func (o *Orchestrator) State() (State, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.round
}

// Run drives the periodic checker (spec.md §5, task 5): every
// StatusCheckInterval it attempts a new round and checks for
// quorum/timeout. Blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := o.cfg.StatusCheckInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick()
		}
	}
}

func (o *Orchestrator) tick() {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()

	switch state {
	case StateIdle, StatePausedInsufficientClients:
		o.tryNewRound()
	case StateWaitingForUpdates:
		o.checkQuorumOrTimeout()
	}
}

// tryNewRound implements the IDLE/PAUSED -> CLIENT_SELECTION transition.
func (o *Orchestrator) tryNewRound() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateIdle && o.state != StatePausedInsufficientClients {
		return
	}
	if o.cfg.MaxRounds > 0 && o.round >= o.cfg.MaxRounds {
		o.state = StateFinished
		return
	}

	eligible := o.reg.EligibleCount()
	if eligible < o.cfg.ClientsPerRound {
		o.state = StatePausedInsufficientClients
		return
	}

	o.state = StateClientSelection
	selected := o.reg.SelectForRound(o.cfg.ClientsPerRound)
	if len(selected) == 0 {
		o.state = StatePausedInsufficientClients
		return
	}

	o.round++
	o.selectedClients = make(map[string]struct{}, len(selected))
	for _, cid := range selected {
		o.selectedClients[cid] = struct{}{}
		o.reg.MarkSelected(cid, o.round)
	}
	o.updates = make(map[string]parammap.ParameterMap)
	o.privacyModes = make(map[string]ppm.PrivacyMode)
	o.shares = make(map[string]*shareState)
	o.roundStartTS = time.Now()
	o.state = StateWaitingForUpdates

	o.log.Info().Uint64("round", o.round).Int("selected", len(selected)).Msg("round started")
}

// EncodeCurrentModel returns the tensor-codec encoding of the current
// global model, for the control channel's fetch_model RPC.
func (o *Orchestrator) EncodeCurrentModel() ([]byte, error) {
	_, params := o.global.State()
	return tensorcodec.Encode(params)
}

// IsSelected reports whether clientID is selected for the current round,
// the current state permits fetching the model, and the client is not
// currently blocked.
func (o *Orchestrator) IsSelected(clientID string) bool {
	return o.checkAccess(clientID) == nil
}

// checkAccess is the shared selection+block gate for every client-facing
// RPC: FetchModel, SubmitUpdate, and SubmitShare all require the caller to
// be selected for the current round AND not blocked (spec.md §8: "if C is
// blocked at t, then any SubmitUpdate, SubmitShare, or FetchModel from C
// at t returns failure").
func (o *Orchestrator) checkAccess(clientID string) error {
	o.mu.Lock()
	state := o.state
	_, selected := o.selectedClients[clientID]
	o.mu.Unlock()
	if state != StateWaitingForUpdates || !selected {
		return flerrors.New(flerrors.KindTransportAuth, "client not selected for current round")
	}
	if o.resp.IsBlocked(clientID) {
		return flerrors.New(flerrors.KindClientBlocked, "client is currently blocked")
	}
	return nil
}

// ReceiveUpdate dispatches by privacy mode per spec.md §4.12: Normal
// tensor-decodes the payload directly; HE decrypts first. Both then run
// the stage-1 check before buffering.
func (o *Orchestrator) ReceiveUpdate(clientID string, mode ppm.PrivacyMode, payload []byte) error {
	if err := o.checkAccess(clientID); err != nil {
		return err
	}

	var pmap parammap.ParameterMap
	var err error
	switch mode {
	case ppm.ModeNormal:
		pmap, err = tensorcodec.Decode(payload)
	case ppm.ModeHE:
		pmap, err = o.hec.Decrypt(payload)
	default:
		return flerrors.New(flerrors.KindStructureMismatch, "unsupported privacy mode for submit_update")
	}
	if err != nil {
		return err
	}

	return o.acceptUpdate(clientID, mode, pmap)
}

// ReceiveShare implements spec.md §4.12's SSS branch: accumulate per-cid
// shares; once k are present, reconstruct, discard the rest, and run the
// stage-1 check. Additional shares arriving after reconstruction are
// dropped.
func (o *Orchestrator) ReceiveShare(clientID string, bundle ssscodec.Bundle) error {
	if err := o.checkAccess(clientID); err != nil {
		return err
	}

	o.mu.Lock()
	if _, already := o.updates[clientID]; already {
		o.mu.Unlock()
		return nil // already reconstructed; drop
	}
	ss, ok := o.shares[clientID]
	if !ok {
		ss = &shareState{}
		o.shares[clientID] = ss
	}
	ss.bundles = append(ss.bundles, bundle)
	ready := len(ss.bundles) >= o.sssK
	var bundlesCopy []ssscodec.Bundle
	if ready {
		bundlesCopy = append([]ssscodec.Bundle(nil), ss.bundles...)
		delete(o.shares, clientID)
	}
	o.mu.Unlock()

	if !ready {
		return nil
	}

	pmap, err := ssscodec.Reconstruct(bundlesCopy, o.sssK)
	if err != nil {
		return err
	}
	return o.acceptUpdate(clientID, ppm.ModeSSS, pmap)
}

func (o *Orchestrator) acceptUpdate(clientID string, mode ppm.PrivacyMode, pmap parammap.ParameterMap) error {
	if _, err := o.eng.ProcessUpdate(clientID, pmap); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateWaitingForUpdates {
		return nil
	}
	o.updates[clientID] = pmap
	o.privacyModes[clientID] = mode
	return nil
}

// checkQuorumOrTimeout implements the WAITING_FOR_UPDATES transitions.
func (o *Orchestrator) checkQuorumOrTimeout() {
	o.mu.Lock()
	if o.state != StateWaitingForUpdates {
		o.mu.Unlock()
		return
	}
	numUpdates := len(o.updates)
	numSelected := len(o.selectedClients)
	timedOut := o.cfg.RoundTimeout > 0 && time.Since(o.roundStartTS) > o.cfg.RoundTimeout
	quorum := numUpdates >= numSelected || numUpdates >= o.cfg.MinClientsForRound
	o.mu.Unlock()

	switch {
	case quorum:
		o.aggregate()
	case timedOut:
		if numUpdates >= o.cfg.MinClientsForRound {
			o.aggregate()
		} else {
			o.abandonRound()
		}
	}
}

func (o *Orchestrator) abandonRound() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateWaitingForUpdates {
		return
	}
	o.log.Warn().Uint64("round", o.round).Msg("round abandoned: timeout below min_clients_for_round")
	o.clearRoundLocked()
	o.state = StateIdle
}

// aggregate is the aggregation step of spec.md §4.12, run fully under
// the round lock.
func (o *Orchestrator) aggregate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateWaitingForUpdates {
		return
	}
	o.state = StateAggregating
	updates := o.updates
	modes := o.privacyModes
	round := o.round

	outliers, err := o.eng.DetectOutliers(updates)
	if err != nil {
		o.log.Error().Err(err).Msg("stage-2 outlier detection failed")
	}
	for _, cid := range outliers {
		delete(updates, cid)
		delete(modes, cid)
	}

	mode, ok := homogeneousMode(modes)
	if !ok {
		o.log.Error().Uint64("round", round).Msg("mixed privacy modes in round; aborting")
		o.finishRound(false)
		return
	}

	if mode != "" && !o.auditor.VerifyAudit(mode) {
		o.log.Error().Uint64("round", round).Str("mode", string(mode)).Msg("ppm rejected round privacy mode")
		o.finishRound(false)
		return
	}

	method := o.cfg.DefaultMethod
	if mode == ppm.ModeHE {
		method = sam.MethodHomomorphicAgg
	}

	deltas := make([]parammap.ParameterMap, 0, len(updates))
	for _, pm := range updates {
		deltas = append(deltas, pm)
	}

	_, globalParams := o.global.State()
	newGlobal, err := o.agg.Aggregate(method, deltas, globalParams)
	if err != nil {
		o.log.Error().Err(err).Uint64("round", round).Msg("aggregation failed; abandoning round")
		o.finishRound(false)
		return
	}
	o.global.Apply(newGlobal)

	var metrics map[string]float64
	if o.evalFn != nil {
		metrics, err = o.global.Evaluate(o.evalFn)
		if err != nil {
			o.log.Error().Err(err).Msg("global model evaluation failed")
			metrics = map[string]float64{}
		}
	} else {
		metrics = map[string]float64{}
	}

	o.global.RecordAggregationEvent(round, metrics)
	if err := o.global.AddMetrics(round, metrics, string(method)); err != nil {
		o.log.Error().Err(err).Msg("persist round metrics")
	}
	for cid := range updates {
		if err := o.reg.RecordRoundParticipation(cid, round, metrics); err != nil {
			o.log.Error().Err(err).Str("client_id", cid).Msg("record round participation")
		}
	}

	o.finishRound(true)
}

func homogeneousMode(modes map[string]ppm.PrivacyMode) (ppm.PrivacyMode, bool) {
	var first ppm.PrivacyMode
	seen := false
	for _, m := range modes {
		if !seen {
			first, seen = m, true
			continue
		}
		if m != first {
			return "", false
		}
	}
	return first, true
}

// finishRound is called by aggregate with the round lock held.
func (o *Orchestrator) finishRound(success bool) {
	o.clearRoundLocked()

	if !success {
		o.state = StateIdle
		return
	}
	if o.cfg.MaxRounds > 0 && o.round >= o.cfg.MaxRounds {
		o.state = StateFinished
		return
	}
	o.state = StateIdle
}

func (o *Orchestrator) clearRoundLocked() {
	o.selectedClients = make(map[string]struct{})
	o.updates = make(map[string]parammap.ParameterMap)
	o.privacyModes = make(map[string]ppm.PrivacyMode)
	o.shares = make(map[string]*shareState)
}

// StopTraining transitions to STANDBY from any state (spec.md §4.12).
func (o *Orchestrator) StopTraining() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateStandby
}
