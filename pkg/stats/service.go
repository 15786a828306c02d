// Package stats implements the Stats Service: it accumulates weekly
// per-region explored-pixel totals from ExplorationDelta events, debounces
// them to a local JSON file, and periodically uploads that file to a
// remote collector (spec.md §4.10).
package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

// weekSeconds is the bucket width used to key WeekEntry (spec.md §4.10:
// "week bucket = floor(t/604800)*604800 UTC").
const weekSeconds = 7 * 24 * 60 * 60

// saveDebounce is how long OnExplorationDelta waits after the last delta
// before flushing to disk (spec.md §4.10 step: "ScheduleSave debounced
// 2s").
const saveDebounce = 2 * time.Second

// uploadInterval is the periodic upload cadence.
const uploadInterval = 60 * time.Second

// WeekEntry is one region's accumulated totals for one UTC week bucket.
type WeekEntry struct {
	RegionID       string `json:"regionId"`
	WeekStartUnix  int64  `json:"weekStartUnix"`
	ExploredPixels int    `json:"exploredPixels"`
	Version        int    `json:"version"`
	ChangedAtUnix  int64  `json:"changedAtUnix"`
}

type weekKey struct {
	regionID string
	week     int64
}

// message carries one ExplorationDelta into the service's run loop.
type message struct {
	regionID     string
	delta        int
	eventTimeSec int64
}

// IdentityProvider resolves the device id and optional username an upload
// payload is tagged with (spec.md §4.10: "UploadPayload{deviceId,
// username?, entries}"). *identity.Store satisfies this directly; stats
// depends only on this narrow shape rather than importing identity.
type IdentityProvider interface {
	GetOrCreateDeviceID() (string, error)
	Username() (string, error)
}

// Service is the channel-driven Stats Service. Request handling (here,
// OnExplorationDelta) never
// blocks on IO: it hands the delta to a dedicated goroutine over a
// channel and returns.
type Service struct {
	statsPath string
	uploadURL string
	identity  IdentityProvider
	clock     func() time.Time
	logf      func(string, ...any)
	httpPost  func(ctx context.Context, url string, body []byte) error

	deltas  chan message
	saves   chan struct{}
	sharing chan bool
	resets  chan string
	reads   chan chan []WeekEntry

	entries        map[weekKey]*WeekEntry
	order          []weekKey
	loaded         bool
	dirty          bool
	sharingEnabled bool
	changedAt      time.Time
	lastUploadAt   time.Time

	saveTimer *time.Timer
}

// NewService prepares the Stats Service without starting it, so callers
// decide when to spawn its goroutine (a NewService/Start split). identity
// may be nil, in which case uploaded payloads carry an empty deviceId and
// no username.
func NewService(statsPath, uploadURL string, identity IdentityProvider, logf func(string, ...any)) *Service {
	if logf == nil {
		logf = log.Printf
	}
	return &Service{
		statsPath: statsPath,
		uploadURL: uploadURL,
		identity:  identity,
		clock:     time.Now,
		logf:      logf,
		httpPost:  defaultHTTPPost,
		deltas:    make(chan message, 256),
		saves:     make(chan struct{}, 1),
		sharing:   make(chan bool),
		resets:    make(chan string),
		reads:     make(chan chan []WeekEntry),
		entries:   make(map[weekKey]*WeekEntry),
	}
}

// Start runs the service's event loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go s.run(ctx)
}

// OnExplorationDelta records a region's newly explored pixel count
// against the current UTC week bucket (spec.md §4.10). delta<=0 is a
// no-op, matching the GPS/Track processors' "no delta on no change"
// contract upstream.
func (s *Service) OnExplorationDelta(regionID string, delta int, eventTimeSec int64) {
	if delta <= 0 {
		return
	}
	select {
	case s.deltas <- message{regionID: regionID, delta: delta, eventTimeSec: eventTimeSec}:
	default:
		s.logf("stats: delta queue full, dropping region=%s delta=%d", regionID, delta)
	}
}

// EnableSharing toggles whether TryUpload is allowed to post anything. It
// only gates the upload tick: it does not write the flag to settingsstore,
// so the flag survives a restart only if the caller persists it there.
func (s *Service) EnableSharing(enabled bool) {
	s.sharing <- enabled
}

// ResetRegion discards all accumulated weeks for a region, e.g. when a
// user resets their explored-street progress for that country (spec.md
// §4.10: "resetRegion(regionId): remove entries for region, ScheduleSave").
func (s *Service) ResetRegion(regionID string) {
	s.resets <- regionID
}

// GetEntries returns a snapshot copy of every accumulated week entry
// (spec.md §4.10: "getEntries(): copy of values").
func (s *Service) GetEntries() []WeekEntry {
	reply := make(chan []WeekEntry, 1)
	s.reads <- reply
	return <-reply
}

// SchedulePeriodicUpload is a convenience for callers that want the
// upload ticker driven from the same Start call; run wires it internally
// so this is exposed only for tests that want to assert the interval.
func (s *Service) SchedulePeriodicUpload() time.Duration {
	return uploadInterval
}

func (s *Service) run(ctx context.Context) {
	if err := s.ensureLoaded(); err != nil {
		s.logf("stats: load %s: %v", s.statsPath, err)
	}

	uploadTicker := time.NewTicker(uploadInterval)
	defer uploadTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flushSaveTimer()
			return
		case msg := <-s.deltas:
			s.applyDelta(msg)
		case <-s.saves:
			if err := s.save(); err != nil {
				s.logf("stats: save %s: %v", s.statsPath, err)
			}
		case enabled := <-s.sharing:
			s.sharingEnabled = enabled
		case regionID := <-s.resets:
			s.resetRegion(regionID)
		case reply := <-s.reads:
			reply <- s.snapshotEntries()
		case <-uploadTicker.C:
			if err := s.TryUpload(ctx); err != nil {
				s.logf("stats: upload: %v", err)
			}
		}
	}
}

func (s *Service) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	s.loaded = true

	data, err := os.ReadFile(s.statsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var list []WeekEntry
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse %s: %w", s.statsPath, err)
	}
	for _, e := range list {
		k := weekKey{regionID: e.RegionID, week: e.WeekStartUnix}
		entry := e
		s.entries[k] = &entry
		s.order = append(s.order, k)
	}
	return nil
}

func (s *Service) applyDelta(msg message) {
	week := (msg.eventTimeSec / weekSeconds) * weekSeconds
	k := weekKey{regionID: msg.regionID, week: week}

	entry, ok := s.entries[k]
	if !ok {
		entry = &WeekEntry{RegionID: msg.regionID, WeekStartUnix: week}
		s.entries[k] = entry
		s.order = append(s.order, k)
	}
	entry.ExploredPixels += msg.delta
	entry.Version++
	now := s.clock().UTC()
	entry.ChangedAtUnix = now.Unix()
	s.changedAt = now
	s.dirty = true

	s.scheduleSave()
}

// resetRegion drops every week entry belonging to regionID and marks the
// store dirty so the removal is persisted.
func (s *Service) resetRegion(regionID string) {
	kept := s.order[:0]
	removed := false
	for _, k := range s.order {
		if k.regionID == regionID {
			delete(s.entries, k)
			removed = true
			continue
		}
		kept = append(kept, k)
	}
	s.order = kept
	if removed {
		s.dirty = true
		s.changedAt = s.clock().UTC()
		s.scheduleSave()
	}
}

// snapshotEntries copies the current entries in insertion order.
func (s *Service) snapshotEntries() []WeekEntry {
	list := make([]WeekEntry, 0, len(s.order))
	for _, k := range s.order {
		list = append(list, *s.entries[k])
	}
	return list
}

// scheduleSave debounces saves: repeated deltas within saveDebounce of
// each other collapse into a single disk write.
func (s *Service) scheduleSave() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(saveDebounce, func() {
		select {
		case s.saves <- struct{}{}:
		default:
		}
	})
}

func (s *Service) flushSaveTimer() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	if s.dirty {
		if err := s.save(); err != nil {
			s.logf("stats: final save %s: %v", s.statsPath, err)
		}
	}
}

func (s *Service) save() error {
	if !s.dirty {
		return nil
	}
	list := make([]WeekEntry, 0, len(s.order))
	for _, k := range s.order {
		list = append(list, *s.entries[k])
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.statsPath, data, 0o644); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// uploadPayload is the body BuildUploadJson produces: spec.md §4.10/§6's
// `UploadPayload{deviceId, username?, entries}` / `{deviceId, username?,
// entries: [StatsEntry]}` request shape, plus a correlation id and a
// generation timestamp. The correlation id is generated afresh each time
// the payload is built, so a retried upload carries a new one.
type uploadPayload struct {
	DeviceID      string      `json:"deviceId"`
	Username      string      `json:"username,omitempty"`
	CorrelationID string      `json:"correlationId"`
	GeneratedAt   int64       `json:"generatedAtUnix"`
	Entries       []WeekEntry `json:"entries"`
}

// BuildUploadJson serializes the current week entries, tagged with the
// device id (and username, if set) from identity and a fresh correlation
// id from github.com/google/uuid.
func (s *Service) BuildUploadJson() ([]byte, error) {
	payload := uploadPayload{
		CorrelationID: uuid.NewString(),
		GeneratedAt:   s.clock().UTC().Unix(),
		Entries:       s.snapshotEntries(),
	}
	if s.identity != nil {
		deviceID, err := s.identity.GetOrCreateDeviceID()
		if err != nil {
			return nil, fmt.Errorf("stats: device id: %w", err)
		}
		username, err := s.identity.Username()
		if err != nil {
			return nil, fmt.Errorf("stats: username: %w", err)
		}
		payload.DeviceID = deviceID
		payload.Username = username
	}
	return json.Marshal(payload)
}

// TryUpload posts the current stats snapshot to the configured upload URL.
// It is a no-op when there is no URL configured, sharing is disabled, or
// nothing has changed since the last successful upload (spec.md §4.10: "if
// changedAt>lastUploadAt AND sharingEnabled"). On a non-2xx response
// lastUploadAt is left untouched so the next tick retries the same data.
func (s *Service) TryUpload(ctx context.Context) error {
	if s.uploadURL == "" || len(s.order) == 0 || !s.sharingEnabled {
		return nil
	}
	if !s.changedAt.After(s.lastUploadAt) {
		return nil
	}
	body, err := s.BuildUploadJson()
	if err != nil {
		return fmt.Errorf("stats: build upload payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.httpPost(ctx, s.uploadURL, body); err != nil {
		return fmt.Errorf("stats: post to %s: %w", s.uploadURL, err)
	}
	s.lastUploadAt = s.clock().UTC()
	return nil
}

func defaultHTTPPost(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
