package flagcore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeFetcher lets tests script config-spec and ID-list responses without
// touching the network, mirroring how the teacher's own store tests stub
// out transport.
type fakeFetcher struct {
	mu sync.Mutex

	specsResponses []DownloadConfigSpecResponse
	specsErr       error
	specsCalls     int

	idListSources map[string]IDListLookupEntry
	idListBodies  map[string]*RangedBody
}

func (f *fakeFetcher) DownloadConfigSpecs(ctx context.Context, sinceTime int64) (DownloadConfigSpecResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.specsErr != nil {
		return DownloadConfigSpecResponse{}, f.specsErr
	}
	idx := f.specsCalls
	if idx >= len(f.specsResponses) {
		idx = len(f.specsResponses) - 1
	}
	f.specsCalls++
	if idx < 0 {
		return DownloadConfigSpecResponse{}, errors.New("no response configured")
	}
	return f.specsResponses[idx], nil
}

func (f *fakeFetcher) GetIDListSources(ctx context.Context) (map[string]IDListLookupEntry, error) {
	return f.idListSources, nil
}

func (f *fakeFetcher) GetIDList(ctx context.Context, url string, rangeStart int64, headers map[string]string) (*RangedBody, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.idListBodies[url]
	if !ok {
		return nil, errors.New("no body configured for " + url)
	}
	return body, nil
}

func newTestOptions() Options {
	return Options{
		ConfigSyncInterval: time.Hour,
		IDListSyncInterval: time.Hour,
		DisableIDLists:     true,
	}
}

func TestSetConfigSpecsAppliesAtomically(t *testing.T) {
	store := newStore(&fakeFetcher{}, nil, NoopDiagnostics{}, newErrorBoundary("k", ""), newTestOptions())

	ok := store.setConfigSpecs(DownloadConfigSpecResponse{
		HasUpdates: true,
		Time:       100,
		FeatureGates: []ConfigSpec{
			{Name: "g1", Type: string(KindFeatureGate), Enabled: true},
		},
	}, SourceNetwork)
	if !ok {
		t.Fatal("expected first apply to succeed")
	}
	if store.getLastUpdateTime() != 100 {
		t.Errorf("expected lastUpdateTime 100, got %d", store.getLastUpdateTime())
	}
	if _, ok := store.getGate("g1"); !ok {
		t.Error("expected gate g1 to be present after apply")
	}
	if store.getInitReason() != SourceNetwork {
		t.Errorf("expected init reason Network, got %s", store.getInitReason())
	}
}

func TestSetConfigSpecsRejectsStalePayload(t *testing.T) {
	store := newStore(&fakeFetcher{}, nil, NoopDiagnostics{}, newErrorBoundary("k", ""), newTestOptions())
	store.setConfigSpecs(DownloadConfigSpecResponse{HasUpdates: true, Time: 200}, SourceNetwork)

	ok := store.setConfigSpecs(DownloadConfigSpecResponse{HasUpdates: true, Time: 100}, SourceNetwork)
	if ok {
		t.Error("expected a payload older than the current snapshot to be rejected")
	}
	if store.getLastUpdateTime() != 200 {
		t.Errorf("expected snapshot to remain at time 200, got %d", store.getLastUpdateTime())
	}
}

func TestSetConfigSpecsRejectsMalformedSpec(t *testing.T) {
	store := newStore(&fakeFetcher{}, nil, NoopDiagnostics{}, newErrorBoundary("k", ""), newTestOptions())
	store.setConfigSpecs(DownloadConfigSpecResponse{
		HasUpdates:   true,
		Time:         100,
		FeatureGates: []ConfigSpec{{Name: "good", Type: string(KindFeatureGate)}},
	}, SourceNetwork)

	ok := store.setConfigSpecs(DownloadConfigSpecResponse{
		HasUpdates: true,
		Time:       200,
		FeatureGates: []ConfigSpec{
			{Name: "", Type: string(KindFeatureGate)}, // missing name: constructor fails
		},
	}, SourceNetwork)

	// A ConfigSpec that fails to construct is a hard error for the whole
	// payload (spec.md §4.4/§4.5): the previously served snapshot must be
	// left completely untouched, not partially replaced.
	if ok {
		t.Error("expected a payload with one malformed spec to be rejected in full")
	}
	if store.getLastUpdateTime() != 100 {
		t.Errorf("expected lastUpdateTime to remain at 100, got %d", store.getLastUpdateTime())
	}
	if _, ok := store.getGate("good"); !ok {
		t.Error("expected the prior snapshot's gate to survive a rejected payload")
	}
}

func TestSetConfigSpecsBuildsExperimentToLayerAndSamplingRates(t *testing.T) {
	store := newStore(&fakeFetcher{}, nil, NoopDiagnostics{}, newErrorBoundary("k", ""), newTestOptions())

	ok := store.setConfigSpecs(DownloadConfigSpecResponse{
		HasUpdates: true,
		Time:       100,
		DynamicConfigs: []ConfigSpec{
			{Name: "exp1", Type: string(KindDynamicConfig), Enabled: true},
		},
		Layers:         map[string][]string{"layer1": {"exp1"}},
		SDKKeysToAppID: map[string]string{"client-key": "app-1"},
		Diagnostics:    map[string]int{"config_sync": 20000, "id_list_sync": -5},
	}, SourceNetwork)
	if !ok {
		t.Fatal("expected apply to succeed")
	}

	layer, ok := store.getLayerForExperiment("exp1")
	if !ok || layer != "layer1" {
		t.Errorf("expected exp1 to resolve to layer1, got %q, ok=%v", layer, ok)
	}
	if _, ok := store.getLayerForExperiment("does_not_exist"); ok {
		t.Error("expected an unallocated experiment to resolve to nothing")
	}

	app, ok := store.getAppForClientSDKKey("client-key")
	if !ok || app != "app-1" {
		t.Errorf("expected client-key to resolve to app-1, got %q, ok=%v", app, ok)
	}

	rate, ok := store.getSamplingRate("config_sync")
	if !ok || rate != maxSamplingRate {
		t.Errorf("expected config_sync sampling rate clamped to %d, got %d", maxSamplingRate, rate)
	}
	rate, ok = store.getSamplingRate("id_list_sync")
	if !ok || rate != 0 {
		t.Errorf("expected a negative sampling rate to clamp to 0, got %d", rate)
	}
}

func TestSetConfigSpecsNoUpdatesIsNoop(t *testing.T) {
	store := newStore(&fakeFetcher{}, nil, NoopDiagnostics{}, newErrorBoundary("k", ""), newTestOptions())
	store.setConfigSpecs(DownloadConfigSpecResponse{HasUpdates: true, Time: 100, FeatureGates: []ConfigSpec{{Name: "g1", Type: string(KindFeatureGate)}}}, SourceNetwork)

	ok := store.setConfigSpecs(DownloadConfigSpecResponse{HasUpdates: false, Time: 500}, SourceNetwork)
	if ok {
		t.Error("has_updates=false must be a no-op")
	}
	if store.getLastUpdateTime() != 100 {
		t.Errorf("expected lastUpdateTime unchanged at 100, got %d", store.getLastUpdateTime())
	}
}

func TestBootstrapAppliesWhenNoAdapter(t *testing.T) {
	bootstrap, _ := json.Marshal(DownloadConfigSpecResponse{
		HasUpdates:   true,
		Time:         42,
		FeatureGates: []ConfigSpec{{Name: "g1", Type: string(KindFeatureGate), Enabled: true}},
	})
	opts := newTestOptions()
	opts.BootstrapValues = string(bootstrap)
	store := newStore(&fakeFetcher{specsErr: errors.New("network disabled for this test")}, nil, NoopDiagnostics{}, newErrorBoundary("k", ""), opts)

	store.initialize(context.Background())
	defer store.shutdown()

	if store.getInitReason() != SourceBootstrap {
		t.Errorf("expected init reason Bootstrap, got %s", store.getInitReason())
	}
	if store.getLastUpdateTime() != 42 {
		t.Errorf("expected lastUpdateTime from bootstrap payload, got %d", store.getLastUpdateTime())
	}
}

// fakeAdapter is a DataAdapter whose Get returns a pre-seeded rulesets blob,
// used to verify adapter precedence over bootstrap (spec.md §4.5 scenario 4).
type fakeAdapter struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{data: make(map[string]string)} }

func (a *fakeAdapter) Get(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.data[key]
	return v, ok
}
func (a *fakeAdapter) Set(key string, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[key] = value
}
func (a *fakeAdapter) Initialize()                           {}
func (a *fakeAdapter) Shutdown()                              {}
func (a *fakeAdapter) SupportsPollingUpdatesFor(string) bool { return false }

func TestAdapterTakesPrecedenceOverBootstrap(t *testing.T) {
	adapter := newFakeAdapter()
	adapterPayload, _ := json.Marshal(DownloadConfigSpecResponse{
		HasUpdates:   true,
		Time:         7,
		FeatureGates: []ConfigSpec{{Name: "from_adapter", Type: string(KindFeatureGate), Enabled: true}},
	})
	adapter.Set(adapterConfigSpecsKey, string(adapterPayload))

	bootstrap, _ := json.Marshal(DownloadConfigSpecResponse{
		HasUpdates:   true,
		Time:         999,
		FeatureGates: []ConfigSpec{{Name: "from_bootstrap", Type: string(KindFeatureGate), Enabled: true}},
	})
	opts := newTestOptions()
	opts.BootstrapValues = string(bootstrap)
	store := newStore(&fakeFetcher{specsErr: errors.New("should not be reached")}, adapter, NoopDiagnostics{}, newErrorBoundary("k", ""), opts)

	store.initialize(context.Background())
	defer store.shutdown()

	if store.getInitReason() != SourceDataAdapter {
		t.Errorf("expected DataAdapter to win over bootstrap, got reason %s", store.getInitReason())
	}
	if _, ok := store.getGate("from_adapter"); !ok {
		t.Error("expected the adapter-sourced gate to be loaded")
	}
	if _, ok := store.getGate("from_bootstrap"); ok {
		t.Error("bootstrap values must not be applied once the adapter already produced a snapshot")
	}
}

func TestIDListIncrementalSync(t *testing.T) {
	fetcher := &fakeFetcher{
		idListSources: map[string]IDListLookupEntry{
			"list_x": {URL: "http://list/x", FileID: "file1", Size: 4, CreationTime: 1},
		},
		idListBodies: map[string]*RangedBody{
			"http://list/x": {Data: []byte("+aaa\n"), ContentLength: 5},
		},
	}
	diags := NewInMemoryDiagnostics()
	store := newStore(fetcher, nil, diags, newErrorBoundary("k", ""), newTestOptions())

	store.fetchIDListsFromServer(context.Background())
	markers := diags.Snapshot()
	if len(markers) == 0 {
		t.Fatal("expected an id-list sync marker to be emitted")
	}
	last := markers[len(markers)-1]
	if last.IDListCount == nil || *last.IDListCount != 1 {
		t.Errorf("expected IDListCount 1 after syncing one list, got %v", last.IDListCount)
	}
	list, ok := store.getIDList("list_x")
	if !ok {
		t.Fatal("expected list_x to be created")
	}
	if list.size() != 5 {
		t.Errorf("expected readBytes 5 after first sync, got %d", list.size())
	}
	if !list.Contains("aaa") {
		t.Error("expected aaa to be a member after first sync")
	}

	// Grow the list under the same fileID: the delta is appended, not reset.
	fetcher.idListSources["list_x"] = IDListLookupEntry{URL: "http://list/x", FileID: "file1", Size: 10, CreationTime: 1}
	fetcher.idListBodies["http://list/x"] = &RangedBody{Data: []byte("+bbb\n"), ContentLength: 5}
	store.fetchIDListsFromServer(context.Background())

	list, _ = store.getIDList("list_x")
	if list.size() != 10 {
		t.Errorf("expected readBytes 10 after second sync, got %d", list.size())
	}
	if !list.Contains("aaa") || !list.Contains("bbb") {
		t.Error("expected both deltas to be reflected in membership")
	}
}

func TestIDListFileIDChangeResetsList(t *testing.T) {
	fetcher := &fakeFetcher{
		idListSources: map[string]IDListLookupEntry{
			"list_x": {URL: "http://list/x", FileID: "file1", Size: 5, CreationTime: 1},
		},
		idListBodies: map[string]*RangedBody{
			"http://list/x": {Data: []byte("+aaa\n"), ContentLength: 5},
		},
	}
	store := newStore(fetcher, nil, NoopDiagnostics{}, newErrorBoundary("k", ""), newTestOptions())
	store.fetchIDListsFromServer(context.Background())

	// New fileID and a newer-or-equal creationTime: reset before reapplying.
	fetcher.idListSources["list_x"] = IDListLookupEntry{URL: "http://list/x2", FileID: "file2", Size: 5, CreationTime: 2}
	fetcher.idListBodies["http://list/x2"] = &RangedBody{Data: []byte("+ccc\n"), ContentLength: 5}
	store.fetchIDListsFromServer(context.Background())

	list, _ := store.getIDList("list_x")
	if list.Contains("aaa") {
		t.Error("expected aaa to be gone after a fileID change resets the list")
	}
	if !list.Contains("ccc") {
		t.Error("expected ccc to be present after the reset re-sync")
	}
	if list.size() != 5 {
		t.Errorf("expected readBytes to restart from 0 then grow by 5, got %d", list.size())
	}
}

func TestIDListRemovedFromSourcesIsDeleted(t *testing.T) {
	fetcher := &fakeFetcher{
		idListSources: map[string]IDListLookupEntry{
			"list_x": {URL: "http://list/x", FileID: "file1", Size: 5, CreationTime: 1},
		},
		idListBodies: map[string]*RangedBody{
			"http://list/x": {Data: []byte("+aaa\n"), ContentLength: 5},
		},
	}
	store := newStore(fetcher, nil, NoopDiagnostics{}, newErrorBoundary("k", ""), newTestOptions())
	store.fetchIDListsFromServer(context.Background())
	if _, ok := store.getIDList("list_x"); !ok {
		t.Fatal("expected list_x present after first sync")
	}

	fetcher.idListSources = map[string]IDListLookupEntry{}
	store.fetchIDListsFromServer(context.Background())
	if _, ok := store.getIDList("list_x"); ok {
		t.Error("expected list_x to be deleted once absent from the lookup response")
	}
}

func TestResetSyncTimerIfExitedRestartsStalledPollers(t *testing.T) {
	opts := newTestOptions()
	opts.ConfigSyncInterval = time.Hour
	opts.DisableIDLists = true
	store := newStore(&fakeFetcher{specsResponses: []DownloadConfigSpecResponse{{HasUpdates: true, Time: 1}}}, nil, NoopDiagnostics{}, newErrorBoundary("k", ""), opts)
	store.initialize(context.Background())
	defer store.shutdown()

	// Nothing is stale yet.
	if err := store.resetSyncTimerIfExited(); err != nil {
		t.Errorf("expected no error immediately after init, got %v", err)
	}

	// Force staleness by rewinding the poller's lastActive timestamp.
	store.configPoller.mu.Lock()
	store.configPoller.lastActive = 0
	store.configPoller.mu.Unlock()

	err := store.resetSyncTimerIfExited()
	if err == nil {
		t.Fatal("expected a non-nil error naming the reset timer")
	}
	if store.configPoller.lastActiveMillis() == 0 {
		t.Error("expected resetSyncTimerIfExited to restart the poller and refresh its lastActive timestamp")
	}
}

func TestShutdownAsyncAwaitsInFlightTick(t *testing.T) {
	opts := newTestOptions()
	opts.ConfigSyncInterval = 5 * time.Millisecond
	opts.DisableIDLists = true

	store := newStore(&fakeFetcher{specsResponses: []DownloadConfigSpecResponse{{HasUpdates: true, Time: 1}}}, nil, NoopDiagnostics{}, newErrorBoundary("k", ""), opts)
	store.initialize(context.Background())

	// Let at least one tick complete, then shut down asynchronously; this
	// should not panic or deadlock regardless of tick timing.
	time.Sleep(20 * time.Millisecond)
	store.shutdownAsync()

	if store.configPoller.lastActiveMillis() == 0 {
		t.Error("expected lastActive to have been set by at least one tick")
	}
}
