package stats

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeIdentity struct {
	deviceID string
	username string
}

func (f fakeIdentity) GetOrCreateDeviceID() (string, error) { return f.deviceID, nil }
func (f fakeIdentity) Username() (string, error)            { return f.username, nil }

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "explore_stats.json")
	s := NewService(path, "", fakeIdentity{deviceID: "device-1", username: "alice"}, nil)
	s.clock = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return s, path
}

func TestApplyDeltaBucketsByWeek(t *testing.T) {
	s, _ := newTestService(t)

	weekStart := int64(1_700_000_000) / weekSeconds * weekSeconds

	s.applyDelta(message{regionID: "r1", delta: 5, eventTimeSec: weekStart + 10})
	s.applyDelta(message{regionID: "r1", delta: 3, eventTimeSec: weekStart + 20})

	k := weekKey{regionID: "r1", week: weekStart}
	entry, ok := s.entries[k]
	if !ok {
		t.Fatal("expected a week entry for r1")
	}
	if entry.ExploredPixels != 8 {
		t.Fatalf("ExploredPixels = %d, want 8", entry.ExploredPixels)
	}
	if entry.Version != 2 {
		t.Fatalf("Version = %d, want 2", entry.Version)
	}
}

func TestApplyDeltaSeparatesRegionsAndWeeks(t *testing.T) {
	s, _ := newTestService(t)

	s.applyDelta(message{regionID: "r1", delta: 5, eventTimeSec: 0})
	s.applyDelta(message{regionID: "r2", delta: 7, eventTimeSec: 0})
	s.applyDelta(message{regionID: "r1", delta: 2, eventTimeSec: weekSeconds})

	if len(s.entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3 distinct (region,week) buckets", len(s.entries))
	}
}

func TestOnExplorationDeltaIgnoresNonPositive(t *testing.T) {
	s, _ := newTestService(t)
	s.OnExplorationDelta("r1", 0, 0)
	s.OnExplorationDelta("r1", -3, 0)
	select {
	case <-s.deltas:
		t.Fatal("expected no queued delta for non-positive values")
	default:
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s, path := newTestService(t)
	s.applyDelta(message{regionID: "r1", delta: 5, eventTimeSec: 0})

	if err := s.save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	var loaded []WeekEntry
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ExploredPixels != 5 {
		t.Fatalf("loaded = %+v, want one entry with ExploredPixels=5", loaded)
	}

	s2 := NewService(path, "", nil, nil)
	if err := s2.ensureLoaded(); err != nil {
		t.Fatalf("ensureLoaded: %v", err)
	}
	if len(s2.entries) != 1 {
		t.Fatalf("reloaded entries = %d, want 1", len(s2.entries))
	}
}

func TestSaveIsNoOpWhenNotDirty(t *testing.T) {
	s, path := newTestService(t)
	if err := s.save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected no file written when nothing is dirty")
	}
}

func TestBuildUploadJsonIncludesCorrelationID(t *testing.T) {
	s, _ := newTestService(t)
	s.applyDelta(message{regionID: "r1", delta: 5, eventTimeSec: 0})

	body, err := s.BuildUploadJson()
	if err != nil {
		t.Fatalf("BuildUploadJson: %v", err)
	}
	var payload uploadPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.CorrelationID == "" {
		t.Fatal("expected a non-empty correlation id")
	}
	if len(payload.Entries) != 1 {
		t.Fatalf("payload.Entries = %d, want 1", len(payload.Entries))
	}
}

func TestBuildUploadJsonIncludesDeviceIdentity(t *testing.T) {
	s, _ := newTestService(t)
	s.applyDelta(message{regionID: "r1", delta: 5, eventTimeSec: 0})

	body, err := s.BuildUploadJson()
	if err != nil {
		t.Fatalf("BuildUploadJson: %v", err)
	}
	var payload uploadPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.DeviceID != "device-1" {
		t.Fatalf("payload.DeviceID = %q, want device-1", payload.DeviceID)
	}
	if payload.Username != "alice" {
		t.Fatalf("payload.Username = %q, want alice", payload.Username)
	}
}

func TestBuildUploadJsonOmitsIdentityWhenNotProvided(t *testing.T) {
	path := filepath.Join(t.TempDir(), "explore_stats.json")
	s := NewService(path, "", nil, nil)
	s.clock = func() time.Time { return time.Unix(1_700_000_000, 0) }
	s.applyDelta(message{regionID: "r1", delta: 5, eventTimeSec: 0})

	body, err := s.BuildUploadJson()
	if err != nil {
		t.Fatalf("BuildUploadJson: %v", err)
	}
	var payload uploadPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.DeviceID != "" || payload.Username != "" {
		t.Fatalf("expected empty identity fields without a provider, got %+v", payload)
	}
}

func TestTryUploadNoOpWithoutURL(t *testing.T) {
	s, _ := newTestService(t)
	s.applyDelta(message{regionID: "r1", delta: 5, eventTimeSec: 0})
	if err := s.TryUpload(context.Background()); err != nil {
		t.Fatalf("TryUpload with empty URL should be a no-op, got %v", err)
	}
}

func TestTryUploadNoOpWhenSharingDisabled(t *testing.T) {
	s, _ := newTestService(t)
	s.uploadURL = "https://stats.example.invalid/upload"
	s.applyDelta(message{regionID: "r1", delta: 5, eventTimeSec: 0})

	called := false
	s.httpPost = func(ctx context.Context, url string, body []byte) error {
		called = true
		return nil
	}
	if err := s.TryUpload(context.Background()); err != nil {
		t.Fatalf("TryUpload: %v", err)
	}
	if called {
		t.Fatal("expected no upload while sharing is disabled")
	}
}

func TestTryUploadSkipsWhenNothingChangedSinceLastUpload(t *testing.T) {
	s, _ := newTestService(t)
	s.uploadURL = "https://stats.example.invalid/upload"
	s.sharingEnabled = true
	s.applyDelta(message{regionID: "r1", delta: 5, eventTimeSec: 0})

	calls := 0
	s.httpPost = func(ctx context.Context, url string, body []byte) error {
		calls++
		return nil
	}
	if err := s.TryUpload(context.Background()); err != nil {
		t.Fatalf("first TryUpload: %v", err)
	}
	if err := s.TryUpload(context.Background()); err != nil {
		t.Fatalf("second TryUpload: %v", err)
	}
	if calls != 1 {
		t.Fatalf("httpPost called %d times, want 1 (nothing changed since last upload)", calls)
	}
}

func TestResetRegionDropsOnlyThatRegion(t *testing.T) {
	s, _ := newTestService(t)
	s.applyDelta(message{regionID: "r1", delta: 5, eventTimeSec: 0})
	s.applyDelta(message{regionID: "r2", delta: 3, eventTimeSec: 0})

	s.resetRegion("r1")

	if len(s.entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1 after resetting r1", len(s.entries))
	}
	for k := range s.entries {
		if k.regionID != "r2" {
			t.Fatalf("unexpected surviving region %q", k.regionID)
		}
	}
}

func TestSnapshotEntriesIsACopy(t *testing.T) {
	s, _ := newTestService(t)
	s.applyDelta(message{regionID: "r1", delta: 5, eventTimeSec: 0})

	snap := s.snapshotEntries()
	snap[0].ExploredPixels = 999

	if s.entries[weekKey{regionID: "r1", week: 0}].ExploredPixels != 5 {
		t.Fatal("mutating the snapshot must not affect the stored entry")
	}
}

func TestTryUploadPostsBuiltPayload(t *testing.T) {
	s, _ := newTestService(t)
	s.uploadURL = "https://stats.example.invalid/upload"
	s.sharingEnabled = true
	s.applyDelta(message{regionID: "r1", delta: 5, eventTimeSec: 0})

	var mu sync.Mutex
	var gotURL string
	var gotBody []byte
	s.httpPost = func(ctx context.Context, url string, body []byte) error {
		mu.Lock()
		defer mu.Unlock()
		gotURL = url
		gotBody = body
		return nil
	}

	if err := s.TryUpload(context.Background()); err != nil {
		t.Fatalf("TryUpload: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotURL != s.uploadURL {
		t.Fatalf("posted to %q, want %q", gotURL, s.uploadURL)
	}
	var payload uploadPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal posted body: %v", err)
	}
	if len(payload.Entries) != 1 {
		t.Fatalf("posted payload entries = %d, want 1", len(payload.Entries))
	}
}

func TestRunHandlesSharingResetAndReadRequests(t *testing.T) {
	s, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.OnExplorationDelta("r1", 5, 0)
	s.OnExplorationDelta("r2", 3, 0)
	time.Sleep(50 * time.Millisecond)

	got := s.GetEntries()
	if len(got) != 2 {
		t.Fatalf("GetEntries() = %d entries, want 2", len(got))
	}

	s.EnableSharing(true)
	s.ResetRegion("r1")

	got = s.GetEntries()
	if len(got) != 1 || got[0].RegionID != "r2" {
		t.Fatalf("GetEntries() after reset = %+v, want only r2", got)
	}
}

func TestRunDebouncesSaveAndRespectsShutdown(t *testing.T) {
	s, path := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	s.OnExplorationDelta("r1", 5, 0)
	s.OnExplorationDelta("r1", 2, 0)

	time.Sleep(saveDebounce + 200*time.Millisecond)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected a debounced save to have written %s: %v", path, err)
	}
	var loaded []WeekEntry
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ExploredPixels != 7 {
		t.Fatalf("loaded = %+v, want one entry with ExploredPixels=7", loaded)
	}

	cancel()
}
