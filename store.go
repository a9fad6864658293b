package flagcore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// syncOutdatedMax bounds how long repeated sync failures are tolerated
// before escalating to telemetry at WARN-equivalent severity; short blips
// are expected and stay silent.
var syncOutdatedMax = 2 * time.Minute

// Store holds the most recently synced snapshot of every ConfigSpec and
// IDList, and owns the two independent polling loops that keep it fresh
// (spec.md §3, §5).
type Store struct {
	mu sync.RWMutex

	featureGates   map[string]ConfigSpec
	dynamicConfigs map[string]ConfigSpec
	layerConfigs   map[string]ConfigSpec
	idLists        map[string]*IDList

	// experimentToLayer is the server's layers map inverted: each experiment
	// name maps to the one layer it belongs to, since an experiment appears
	// in at most one layer (spec.md §3). clientSDKKeyToAppMap is carried
	// straight off the wire for callers that need to resolve an SDK key to
	// its owning application.
	experimentToLayer    map[string]string
	clientSDKKeyToAppMap map[string]string
	samplingRates        map[string]int

	lastSyncTime    int64
	initialSyncTime int64
	initReason      EvaluationSource
	initTime        int64
	syncFailures    int

	fetcher       Fetcher
	dataAdapter   DataAdapter
	diagnostics   Diagnostics
	errorBoundary *errorBoundary

	configSyncInterval time.Duration
	idListSyncInterval time.Duration
	disableIDLists     bool
	idListInitStrategy IDListInitStrategy
	bootstrapValues    string

	configPoller *poller
	idListPoller *poller

	ctx       context.Context
	cancelCtx context.CancelFunc
}

func newStore(fetcher Fetcher, dataAdapter DataAdapter, diagnostics Diagnostics, errorBoundary *errorBoundary, opts Options) *Store {
	s := &Store{
		featureGates:       make(map[string]ConfigSpec),
		dynamicConfigs:     make(map[string]ConfigSpec),
		layerConfigs:       make(map[string]ConfigSpec),
		idLists:            make(map[string]*IDList),
		initReason:         SourceUninitialized,
		fetcher:            fetcher,
		dataAdapter:        dataAdapter,
		diagnostics:        diagnostics,
		errorBoundary:      errorBoundary,
		configSyncInterval: opts.ConfigSyncInterval,
		idListSyncInterval: opts.IDListSyncInterval,
		disableIDLists:     opts.DisableIDLists,
		idListInitStrategy: opts.IDListInitStrategy,
		bootstrapValues:    opts.BootstrapValues,
	}
	s.ctx, s.cancelCtx = context.WithCancel(context.Background())
	return s
}

// initialize runs the startup fan-in in precedence order — data adapter,
// then bootstrap values, then network — stopping as soon as one produces a
// spec payload, then loads ID lists according to the init strategy and
// starts the config poller and, unless ID lists are disabled, the ID-list
// poller (spec.md §5, resolved Open Question at SPEC_FULL.md §4.5.1:
// lastSyncTime always comes from the payload's own Time field, never an
// adapter stamp).
func (s *Store) initialize(ctx context.Context) {
	start := getUnixMilli()
	triedNonNetwork := false

	if s.dataAdapter != nil {
		triedNonNetwork = true
		s.dataAdapter.Initialize()
		s.fetchConfigSpecsFromAdapter()
	}
	if s.getLastSyncTime() == 0 && s.bootstrapValues != "" {
		triedNonNetwork = true
		s.processConfigSpecsJSON([]byte(s.bootstrapValues), SourceBootstrap)
	}

	if s.getLastSyncTime() == 0 {
		if triedNonNetwork {
			Logger().Debug("retrying config specs from network after adapter/bootstrap yielded nothing")
		}
		s.fetchConfigSpecsFromServer(ctx, true)
	}

	s.mu.Lock()
	s.initialSyncTime = s.lastSyncTime
	s.initTime = getUnixMilli() - start
	s.mu.Unlock()

	// ID list initialization strategy (spec.md §4.5 step 5): "none" skips
	// the init-time load (the poller still runs on its own schedule),
	// "lazy" defers the first load to the ID-list poller's own first tick
	// instead of blocking init on it, and anything else (the zero value)
	// awaits one synchronous load before init returns.
	if !s.disableIDLists && s.idListInitStrategy != IDListInitLazy && s.idListInitStrategy != IDListInitNone {
		if s.dataAdapter != nil {
			s.fetchIDListsFromAdapter(ctx)
		} else {
			s.fetchIDListsFromServer(ctx)
		}
	}

	s.configPoller = newPoller(s.configSyncInterval, func(ctx context.Context) {
		if s.dataAdapter != nil && s.dataAdapter.SupportsPollingUpdatesFor(adapterConfigSpecsKey) {
			s.fetchConfigSpecsFromAdapter()
		} else {
			s.fetchConfigSpecsFromServer(ctx, false)
		}
	})
	s.configPoller.start(s.ctx)

	if !s.disableIDLists {
		s.idListPoller = newPoller(s.idListSyncInterval, func(ctx context.Context) {
			if s.dataAdapter != nil && s.dataAdapter.SupportsPollingUpdatesFor(adapterIDListsKey) {
				s.fetchIDListsFromAdapter(ctx)
			} else {
				s.fetchIDListsFromServer(ctx)
			}
		})
		s.idListPoller.start(s.ctx)
	}
}

func (s *Store) getLastSyncTime() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSyncTime
}

// getLastUpdateTime is the spec.md §4.5 public accessor name for the same
// value as getLastSyncTime; kept as a distinct method so callers outside
// this file read the spec's own vocabulary.
func (s *Store) getLastUpdateTime() int64 {
	return s.getLastSyncTime()
}

// getInitReason reports which source (network, bootstrap, data adapter, or
// none yet) most recently populated the served snapshot.
func (s *Store) getInitReason() EvaluationSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initReason
}

func (s *Store) getGate(name string) (ConfigSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.featureGates[name]
	return spec, ok
}

func (s *Store) getDynamicConfig(name string) (ConfigSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.dynamicConfigs[name]
	return spec, ok
}

func (s *Store) getLayer(name string) (ConfigSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.layerConfigs[name]
	return spec, ok
}

func (s *Store) getIDList(name string) (*IDList, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.idLists[name]
	return list, ok
}

// getLayerForExperiment reports which layer, if any, an experiment was
// allocated into by the server (spec.md §3's experimentToLayer).
func (s *Store) getLayerForExperiment(experimentName string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	layer, ok := s.experimentToLayer[experimentName]
	return layer, ok
}

// getAppForClientSDKKey resolves a client SDK key to its owning application
// ID, as served in the config-specs payload's sdk_keys_to_app_ids map.
func (s *Store) getAppForClientSDKKey(sdkKey string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.clientSDKKeyToAppMap[sdkKey]
	return app, ok
}

// getSamplingRate returns the clamped diagnostics sampling rate (per
// 10,000) the server most recently set for context, if any.
func (s *Store) getSamplingRate(context string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.samplingRates[context]
	return rate, ok
}

// isServingChecks reports whether the store has ever loaded a spec payload
// from any source.
func (s *Store) isServingChecks() bool {
	return s.getLastSyncTime() > 0
}

func (s *Store) evaluationDetails(reason EvaluationReason) *EvaluationDetails {
	s.mu.RLock()
	source := s.initReason
	syncTime := s.lastSyncTime
	initTime := s.initTime
	s.mu.RUnlock()
	return newEvaluationDetails(source, reason, syncTime, initTime)
}

func (s *Store) fetchConfigSpecsFromAdapter() {
	defer func() {
		if r := recover(); r != nil {
			Logger().LogError(fmt.Errorf("panic calling data adapter get: %v", r))
		}
	}()
	raw, ok := s.dataAdapter.Get(adapterConfigSpecsKey)
	if !ok {
		return
	}
	s.processConfigSpecsJSON([]byte(raw), SourceDataAdapter)
}

func (s *Store) saveConfigSpecsToAdapter(raw []byte) {
	if s.dataAdapter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger().LogError(fmt.Errorf("panic calling data adapter set: %v", r))
		}
	}()
	s.dataAdapter.Set(adapterConfigSpecsKey, string(raw))
}

func (s *Store) fetchConfigSpecsFromServer(ctx context.Context, isColdStart bool) {
	diagCtx := ContextConfigSync
	if isColdStart {
		diagCtx = ContextInitialize
	}
	s.diagnostics.Mark(Marker{Context: diagCtx, Key: KeyDownloadConfigSpecs, Step: StepNetworkRequest, Action: ActionStart})
	specs, err := s.fetcher.DownloadConfigSpecs(ctx, s.getLastSyncTime())
	s.diagnostics.Mark(Marker{Context: diagCtx, Key: KeyDownloadConfigSpecs, Step: StepNetworkRequest, Action: ActionEnd, Success: boolPtr(err == nil)})
	if err != nil {
		s.handleSyncError(err, isColdStart)
		return
	}
	if s.setConfigSpecs(specs, SourceNetwork) {
		if raw, err := json.Marshal(specs); err == nil {
			s.saveConfigSpecsToAdapter(raw)
		}
	}
}

func (s *Store) processConfigSpecsJSON(raw []byte, source EvaluationSource) {
	var specs DownloadConfigSpecResponse
	if err := json.Unmarshal(raw, &specs); err != nil {
		s.errorBoundary.report("process_config_specs", newKindError(KindInvalidSpecs, err))
		return
	}
	s.setConfigSpecs(specs, source)
}

// setConfigSpecs replaces the served snapshot atomically. It refuses a
// payload whose Time predates what's already loaded (spec.md §4.4: a sync
// loop never regresses the serving snapshot), and always takes
// lastSyncTime from the payload's own Time field regardless of source. A
// ConfigSpec that fails to construct is a hard error for the whole payload
// (spec.md §4.4/§4.5): the previously served snapshot is left untouched
// rather than partially replaced.
func (s *Store) setConfigSpecs(specs DownloadConfigSpecResponse, source EvaluationSource) bool {
	if specs.Time < s.getLastSyncTime() {
		return false
	}
	if !specs.HasUpdates {
		return false
	}

	newGates := make(map[string]ConfigSpec, len(specs.FeatureGates))
	for _, raw := range specs.FeatureGates {
		spec, err := newConfigSpecFromWire(raw)
		if err != nil {
			s.errorBoundary.report("parse_feature_gate", err)
			return false
		}
		newGates[spec.Name] = spec
	}
	newConfigs := make(map[string]ConfigSpec, len(specs.DynamicConfigs))
	for _, raw := range specs.DynamicConfigs {
		spec, err := newConfigSpecFromWire(raw)
		if err != nil {
			s.errorBoundary.report("parse_dynamic_config", err)
			return false
		}
		newConfigs[spec.Name] = spec
	}
	newLayers := make(map[string]ConfigSpec, len(specs.LayerConfigs))
	for _, raw := range specs.LayerConfigs {
		spec, err := newConfigSpecFromWire(raw)
		if err != nil {
			s.errorBoundary.report("parse_layer_config", err)
			return false
		}
		newLayers[spec.Name] = spec
	}

	newExperimentToLayer := make(map[string]string, len(specs.Layers))
	for layerName, experiments := range specs.Layers {
		for _, experimentName := range experiments {
			newExperimentToLayer[experimentName] = layerName
		}
	}

	newSamplingRates := clampSamplingRates(specs.Diagnostics)

	s.mu.Lock()
	s.featureGates = newGates
	s.dynamicConfigs = newConfigs
	s.layerConfigs = newLayers
	s.experimentToLayer = newExperimentToLayer
	s.clientSDKKeyToAppMap = specs.SDKKeysToAppID
	s.samplingRates = newSamplingRates
	s.lastSyncTime = specs.Time
	s.initReason = source
	s.syncFailures = 0
	s.mu.Unlock()
	return true
}

// maxSamplingRate bounds every diagnostics sampling rate the config-specs
// payload can set (spec.md §4.5's "_process" bullet).
const maxSamplingRate = 10000

// clampSamplingRates clamps each rate in raw to [0, maxSamplingRate]. The
// wire payload decodes rates as plain ints, so every entry is kept; only
// out-of-range values are changed.
func clampSamplingRates(raw map[string]int) map[string]int {
	if raw == nil {
		return nil
	}
	out := make(map[string]int, len(raw))
	for key, rate := range raw {
		if rate < 0 {
			rate = 0
		}
		if rate > maxSamplingRate {
			rate = maxSamplingRate
		}
		out[key] = rate
	}
	return out
}

func (s *Store) handleSyncError(err error, isColdStart bool) {
	s.mu.Lock()
	s.syncFailures++
	failDuration := time.Duration(s.syncFailures) * s.configSyncInterval
	s.mu.Unlock()

	if isColdStart {
		s.errorBoundary.report("initialize_from_network", newKindError(KindInitFromNetwork, err))
		return
	}
	if failDuration > syncOutdatedMax {
		s.errorBoundary.report("config_sync", err)
		s.mu.Lock()
		s.syncFailures = 0
		s.mu.Unlock()
	}
}

func (s *Store) fetchIDListsFromServer(ctx context.Context) {
	sources, err := s.fetcher.GetIDListSources(ctx)
	if err != nil {
		s.errorBoundary.report("get_id_lists", err)
		return
	}
	s.syncIDLists(ctx, sources, SourceNetwork)
}

func (s *Store) fetchIDListsFromAdapter(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			Logger().LogError(fmt.Errorf("panic calling data adapter get: %v", r))
		}
	}()
	raw, ok := s.dataAdapter.Get(adapterIDListsKey)
	if !ok {
		return
	}
	var sources map[string]IDListLookupEntry
	if err := json.Unmarshal([]byte(raw), &sources); err != nil {
		return
	}
	s.syncIDLists(ctx, sources, SourceDataAdapter)
}

// syncIDLists applies the differential-fetch algorithm: a list is only
// (re)downloaded when its remote descriptor reports a newer fileID or a
// larger size than the local copy, and any list no longer present in
// sources is dropped (spec.md §4.6).
func (s *Store) syncIDLists(ctx context.Context, sources map[string]IDListLookupEntry, source EvaluationSource) {
	var wg sync.WaitGroup
	for name, entry := range sources {
		entry := entry
		local, exists := s.getIDList(name)

		if entry.URL == "" || entry.FileID == "" || entry.CreationTime < localCreationTime(local) {
			continue
		}
		if !exists || entry.FileID != local.FileID {
			local = newIDList(name)
			local.URL = entry.URL
			local.FileID = entry.FileID
			local.CreationTime = entry.CreationTime
			s.mu.Lock()
			s.idLists[name] = local
			s.mu.Unlock()
		}
		if entry.Size <= local.size() {
			continue
		}

		wg.Add(1)
		go func(list *IDList) {
			defer wg.Done()
			if source == SourceNetwork {
				s.downloadSingleIDList(ctx, list)
			} else {
				s.loadSingleIDListFromAdapter(list)
			}
		}(local)
	}
	wg.Wait()

	s.mu.Lock()
	for name := range s.idLists {
		if _, ok := sources[name]; !ok {
			delete(s.idLists, name)
		}
	}
	idLists := s.idLists
	count := len(idLists)
	s.mu.Unlock()

	s.diagnostics.Mark(Marker{
		Context:     ContextIDListSync,
		Key:         KeyGetIDListSources,
		Step:        StepProcess,
		Action:      ActionEnd,
		IDListCount: intPtr(count),
	})

	if source == SourceNetwork {
		s.saveIDListsToAdapter(idLists)
	}
}

func localCreationTime(l *IDList) int64 {
	if l == nil {
		return 0
	}
	return l.CreationTime
}

func (s *Store) downloadSingleIDList(ctx context.Context, list *IDList) {
	body, err := s.fetcher.GetIDList(ctx, list.URL, list.size(), nil)
	if err != nil {
		s.errorBoundary.report("get_id_list", err)
		return
	}
	content := string(body.Data)
	if len(content) <= 1 || (content[0] != '-' && content[0] != '+') {
		s.mu.Lock()
		delete(s.idLists, list.Name)
		s.mu.Unlock()
		return
	}
	list.applyDiff(content, body.ContentLength)
}

func (s *Store) loadSingleIDListFromAdapter(list *IDList) {
	defer func() {
		if r := recover(); r != nil {
			Logger().LogError(fmt.Errorf("panic calling data adapter get: %v", r))
		}
	}()
	raw, ok := s.dataAdapter.Get(adapterIDListKey(list.Name))
	if !ok {
		return
	}
	offset := list.size()
	if offset > int64(len(raw)) {
		offset = int64(len(raw))
	}
	content := raw[offset:]
	list.applyDiff(content, int64(len(content)))
}

func (s *Store) saveIDListsToAdapter(idLists map[string]*IDList) {
	if s.dataAdapter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger().LogError(fmt.Errorf("panic calling data adapter set: %v", r))
		}
	}()
	lookup := make(map[string]IDListLookupEntry, len(idLists))
	for name, list := range idLists {
		s.dataAdapter.Set(adapterIDListKey(name), list.serialize())
		lookup[name] = IDListLookupEntry{
			URL:          list.URL,
			FileID:       list.FileID,
			Size:         list.size(),
			CreationTime: list.CreationTime,
		}
	}
	if raw, err := json.Marshal(lookup); err == nil {
		s.dataAdapter.Set(adapterIDListsKey, string(raw))
	}
}

// resetSyncTimerIfExited is the watchdog described in spec.md §4.5: a
// poller is declared dead if it hasn't started a tick in longer than
// max(120s, its own period). A dead poller is stopped and restarted; the
// method returns a non-nil error naming which timer(s) were reset, or nil
// if both are alive.
func (s *Store) resetSyncTimerIfExited() error {
	var reset []string

	if s.configPoller != nil && s.configPoller.isDeadSince(maxDuration(syncOutdatedMax, s.configSyncInterval)) {
		s.configPoller.stop()
		s.configPoller.start(s.ctx)
		reset = append(reset, "config_specs")
	}
	if !s.disableIDLists && s.idListPoller != nil && s.idListPoller.isDeadSince(maxDuration(syncOutdatedMax, s.idListSyncInterval)) {
		s.idListPoller.stop()
		s.idListPoller.start(s.ctx)
		reset = append(reset, "id_lists")
	}

	if len(reset) == 0 {
		return nil
	}
	return fmt.Errorf("reset stalled sync timer(s): %v", reset)
}

// shutdown stops both polling loops and releases the data adapter. Timers
// are cleared immediately; any in-flight tick is not awaited, matching
// spec.md §5 ("in-flight ticks are not cancelled but their side effects
// are harmless").
func (s *Store) shutdown() {
	s.cancelCtx()
	if s.configPoller != nil {
		s.configPoller.cancelOnly()
	}
	if s.idListPoller != nil {
		s.idListPoller.cancelOnly()
	}
	if s.dataAdapter != nil {
		s.dataAdapter.Shutdown()
	}
}

// shutdownAsync is shutdown plus awaiting the last in-flight tick of each
// loop before returning (spec.md §5).
func (s *Store) shutdownAsync() {
	s.cancelCtx()
	if s.configPoller != nil {
		s.configPoller.cancelOnly()
	}
	if s.idListPoller != nil {
		s.idListPoller.cancelOnly()
	}
	if s.configPoller != nil {
		s.configPoller.await()
	}
	if s.idListPoller != nil {
		s.idListPoller.await()
	}
	if s.dataAdapter != nil {
		s.dataAdapter.Shutdown()
	}
}
