// Command streetexplore wires the Street Exploration Engine's packages
// together and runs a short offline demonstration: load config, open the
// feature store, activate one region, derive its pixel file from a static
// feature set, and feed it a synthetic GPS track. There is no HTTP/API
// surface here — spec.md §1 puts the transport layer outside this engine's
// scope, so this binary is the library's wiring reference, not a server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"street-exploration-engine/pkg/config"
	"street-exploration-engine/pkg/deltabus"
	"street-exploration-engine/pkg/derivation"
	"street-exploration-engine/pkg/engine"
	"street-exploration-engine/pkg/featurestore"
	"street-exploration-engine/pkg/geometry"
	"street-exploration-engine/pkg/gpsproc"
	"street-exploration-engine/pkg/haptics"
	"street-exploration-engine/pkg/identity"
	"street-exploration-engine/pkg/renderer"
	"street-exploration-engine/pkg/securestore"
	"street-exploration-engine/pkg/settingsstore"
	"street-exploration-engine/pkg/stats"
	"street-exploration-engine/pkg/trackproc"

	_ "street-exploration-engine/pkg/featurestore/drivers"
)

var configPath = flag.String("config", "", "path to a config file (optional; defaults and env vars apply otherwise)")

// =====================
// MAIN
// =====================
func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := os.MkdirAll(cfg.Storage.WritableDir, 0o755); err != nil {
		log.Fatalf("create writable dir: %v", err)
	}

	store, err := featurestore.NewStore(featurestore.Config{
		DBType: cfg.Storage.DBType,
		DBPath: storePath(cfg),
	})
	if err != nil {
		log.Fatalf("feature store: %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		log.Fatalf("feature store schema: %v", err)
	}

	bus := deltabus.NewBus(64)
	renderBus := renderer.NewBus(64)

	settings := settingsstore.New(filepath.Join(cfg.Storage.WritableDir, "settings.json"))
	key, err := loadOrCreateSecretKey(filepath.Join(cfg.Storage.WritableDir, "secret.key"))
	if err != nil {
		log.Fatalf("secret key: %v", err)
	}
	idStore := identity.New(
		filepath.Join(cfg.Storage.WritableDir, "device.id"),
		key,
		filepath.Join(cfg.Storage.WritableDir, "username.txt"),
	)
	deviceID, err := idStore.GetOrCreateDeviceID()
	if err != nil {
		log.Fatalf("device id: %v", err)
	}
	log.Printf("streetexplore: device id %s", deviceID)

	loadedSettings, err := settings.Load()
	if err != nil {
		log.Fatalf("settings: %v", err)
	}

	statsSvc := stats.NewService(
		filepath.Join(cfg.Storage.WritableDir, "explore_stats.json"),
		cfg.Stats.UploadURL,
		idStore,
		log.Printf,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statsSvc.Start(ctx)
	statsSvc.EnableSharing(loadedSettings.Explore.SharingEnabled)
	go forwardDeltasToStats(ctx, bus, statsSvc)

	assets := &demoAssets{dir: cfg.Storage.WritableDir}
	background := engine.NewPool(cfg.Pools.BackgroundWorkers, 32)

	ctl := engine.New(engine.Config{
		Store:      store,
		Bus:        bus,
		Renderer:   renderBus,
		Assets:     assets,
		Background: background,
		Haptics:    haptics.NoOp{},
		Logf:       log.Printf,
	})

	ctl.SetEnabled(true)
	ctl.SetCountry("demo")
	ctl.LoadTracks("demo")

	runSimulatedFeed(ctl)

	st := ctl.State()
	log.Printf("streetexplore: region=%s status=%s tracksLoaded=%v", st.CountryID, st.Status, st.TracksLoaded)
	for _, entry := range statsSvc.GetEntries() {
		log.Printf("streetexplore: stats region=%s week=%d exploredPixels=%d", entry.RegionID, entry.WeekStartUnix, entry.ExploredPixels)
	}
}

func storePath(cfg config.Config) string {
	if cfg.Storage.DBType == "pgx" {
		return ""
	}
	return filepath.Join(cfg.Storage.WritableDir, cfg.Storage.DBPath)
}

// loadOrCreateSecretKey persists the raw sealing key securestore.Store
// needs, in a plain file: the key itself cannot be stored inside a
// securestore.Store, since that would require already knowing the key to
// open it.
func loadOrCreateSecretKey(path string) ([32]byte, error) {
	var key [32]byte
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 32 {
		copy(key[:], data)
		return key, nil
	}
	key, err = securestore.NewKey()
	if err != nil {
		return key, err
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return key, fmt.Errorf("write secret key: %w", err)
	}
	return key, nil
}

// forwardDeltasToStats subscribes to deltabus's Aggregate topic and feeds
// each delta into the Stats Service, the wiring DESIGN.md's dual-emission
// decision assumes: only aggregate deltas reach the Stats Service.
func forwardDeltasToStats(ctx context.Context, bus *deltabus.Bus, svc *stats.Service) {
	for d := range bus.SubscribeAggregate(ctx, 64) {
		svc.OnExplorationDelta(d.RegionID, d.NewPixels, d.EventTimeSec)
	}
}

// demoAssets is a minimal RegionAssets backed by one synthetic highway
// feature, standing in for a real map-feature reader (outside this
// engine's scope, per spec.md §1).
type demoAssets struct {
	dir string
}

func (a *demoAssets) PixelFilePath(countryID string) string {
	return filepath.Join(a.dir, countryID+".pixels")
}

func (a *demoAssets) AccountedFilePath(countryID string) string {
	return filepath.Join(a.dir, countryID+".accounted")
}

func (a *demoAssets) FractionFilePath(countryID string) string {
	return filepath.Join(a.dir, countryID+".fractions")
}

func (a *demoAssets) MwmName(countryID string) string { return countryID }

func (a *demoAssets) FeatureSource(countryID string) (derivation.Source, bool) {
	return derivation.StaticSource{Features_: []derivation.Feature{
		{
			Index: 1,
			Types: []string{"highway", "", "residential"},
			Points: []geometry.Point{
				{Lat: 50.4501, Lon: 30.5234},
				{Lat: 50.4510, Lon: 30.5250},
				{Lat: 50.4520, Lon: 30.5270},
			},
		},
	}}, true
}

func (a *demoAssets) TrackSource(countryID string) (trackproc.Source, bool) {
	return trackproc.StaticSource{Tracks_: []trackproc.Track{
		{
			ID:           "demo-track-1",
			TimestampSec: time.Now().Unix() - 3600,
			Points: []geometry.Point{
				{Lat: 50.4501, Lon: 30.5234},
				{Lat: 50.4510, Lon: 30.5250},
			},
		},
	}}, true
}

func (a *demoAssets) Overlap(countryID string) gpsproc.FeatureOverlap {
	return noRoadOverlap{}
}

type noRoadOverlap struct{}

func (noRoadOverlap) Overlapping(lat, lon float64) (string, int64, float64, bool) {
	return "", 0, 0, false
}

// runSimulatedFeed feeds a handful of GPS fixes along the demo highway
// through the Engine Controller, the same ProcessFix call a real location
// service would drive.
func runSimulatedFeed(ctl *engine.Controller) {
	fixes := []gpsproc.Fix{
		{Lat: 50.4501, Lon: 30.5234, TimestampSec: time.Now().Unix()},
		{Lat: 50.4505, Lon: 30.5242, TimestampSec: time.Now().Unix() + 5},
		{Lat: 50.4510, Lon: 30.5250, TimestampSec: time.Now().Unix() + 10},
	}
	for _, fix := range fixes {
		newly, err := ctl.ProcessFix(context.Background(), fix)
		if err != nil {
			log.Printf("streetexplore: fix (%.4f,%.4f): %v", fix.Lat, fix.Lon, err)
			continue
		}
		fmt.Printf("streetexplore: fix (%.4f,%.4f) explored %d new pixels\n", fix.Lat, fix.Lon, newly)
	}
}
