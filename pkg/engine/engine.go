// Package engine implements the Engine Controller: the state machine that
// owns a region's mutable exploration state (pixel span, accounted bits,
// per-track fractions) and drives it through NotReady -> Loading -> Ready
// as the active country changes, per spec.md §4.8.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"street-exploration-engine/pkg/accountedbits"
	"street-exploration-engine/pkg/deltabus"
	"street-exploration-engine/pkg/derivation"
	"street-exploration-engine/pkg/featurestore"
	"street-exploration-engine/pkg/fractionfile"
	"street-exploration-engine/pkg/gpsproc"
	"street-exploration-engine/pkg/haptics"
	"street-exploration-engine/pkg/pixelfile"
	"street-exploration-engine/pkg/renderer"
	"street-exploration-engine/pkg/trackproc"
)

// Status is the Engine Controller's readiness for the currently selected
// country (spec.md §4.8: "status ∈ {NotReady, Loading, Ready}").
type Status int

const (
	StatusNotReady Status = iota
	StatusLoading
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusNotReady:
		return "NotReady"
	case StatusLoading:
		return "Loading"
	case StatusReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// State is the composite EngineState tuple spec.md §4.8 keys transitions
// on, plus TracksLoaded: an explicit field (rather than inferred from the
// Track Processor having run) so a caller can tell "ready but tracks not
// yet backfilled" apart from "ready and fully caught up".
type State struct {
	Enabled      bool
	Status       Status
	CountryID    string
	TracksLoaded bool
}

// RegionAssets resolves everything region-specific the Engine Controller
// needs but does not itself own: on-disk paths, the map-feature source for
// derivation, the recorded-track source for backfill, and the road-overlap
// lookup both processors consult. A real implementation reads these from
// the host application's map/track storage; tests supply a fake.
type RegionAssets interface {
	PixelFilePath(countryID string) string
	AccountedFilePath(countryID string) string
	FractionFilePath(countryID string) string
	MwmName(countryID string) string
	FeatureSource(countryID string) (derivation.Source, bool)
	TrackSource(countryID string) (trackproc.Source, bool)
	Overlap(countryID string) gpsproc.FeatureOverlap
}

// chanLock is the same buffered-channel mutex idiom featurestore.Store
// uses, reused here for streetPixelsMutex so the re-entrancy story stays
// consistent across the module: WithTransaction-shaped helpers that need
// to hold the lock across several calls take it once and pass the held
// state down, rather than trying to re-acquire a non-reentrant
// sync.Mutex.
type chanLock chan struct{}

func newChanLock() chanLock {
	c := make(chanLock, 1)
	c <- struct{}{}
	return c
}

func (c chanLock) Lock()   { <-c }
func (c chanLock) Unlock() { c <- struct{}{} }

// Controller is the Engine Controller. Lock ordering, when more than one
// of its mutexes is held at once, is stateMu -> countryMu -> streetMu ->
// fractionMu -> the FeatureBitmaskStore's own internal mutex (spec.md §5);
// every method below that takes more than one either follows this order or
// releases one before acquiring the next.
type Controller struct {
	stateMu sync.Mutex
	state   State

	countryMu sync.Mutex
	countryID string

	streetMu  chanLock
	pixelFile *pixelfile.File
	accounted *accountedbits.Bitset

	fractionMu sync.Mutex
	fractions  *fractionfile.File

	store  *featurestore.Store
	bus    *deltabus.Bus
	render renderer.Contract
	assets RegionAssets

	background *Pool
	haptics    haptics.Feedback

	logf func(string, ...any)
}

// Config bundles a Controller's dependencies. Bus is the engine's own
// producer handle onto the shared deltabus.Bus; the Stats Service
// subscribes to the same Bus instance independently (spec.md §4.7/§4.10:
// aggregate deltas go to the Stats Service, fine-grained per-pixel deltas
// remain available to other listeners — see DESIGN.md for why this engine
// resolves the dual-emission question that way).
type Config struct {
	Store      *featurestore.Store
	Bus        *deltabus.Bus
	Renderer   renderer.Contract
	Assets     RegionAssets
	Background *Pool
	Haptics    haptics.Feedback
	Logf       func(string, ...any)
}

// New constructs a Controller in its initial disabled/NotReady state with
// no country selected.
func New(cfg Config) *Controller {
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	haps := cfg.Haptics
	if haps == nil {
		haps = haptics.NoOp{}
	}
	return &Controller{
		streetMu:   newChanLock(),
		store:      cfg.Store,
		bus:        cfg.Bus,
		render:     cfg.Renderer,
		assets:     cfg.Assets,
		background: cfg.Background,
		haptics:    haps,
		logf:       logf,
	}
}

// State returns a snapshot of the current EngineState tuple.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// SetEnabled toggles whether this engine's renderer output and GPS
// ingestion are active, without touching CountryID or Status (spec.md
// §4.8: "setEnabled(x): publish to renderer").
func (c *Controller) SetEnabled(enabled bool) {
	c.stateMu.Lock()
	c.state.Enabled = enabled
	c.stateMu.Unlock()

	if c.render != nil {
		c.render.SetEnabled(enabled)
	}
}

// SetCountry transitions to a new active country, per spec.md §4.8's
// "set-country B (B != A)" row: Status -> Loading, pixels cleared, the
// fraction file for B loaded inline, and a background Load spawned. A
// call with the already-active country is a no-op; a call with "" clears
// down to NotReady without spawning any load.
func (c *Controller) SetCountry(countryID string) {
	c.countryMu.Lock()
	old := c.countryID
	if old == countryID {
		c.countryMu.Unlock()
		return
	}
	c.countryID = countryID
	c.countryMu.Unlock()

	c.stateMu.Lock()
	c.state.Status = StatusLoading
	c.state.CountryID = countryID
	c.state.TracksLoaded = false
	c.stateMu.Unlock()

	c.clearPixels()
	if c.render != nil {
		c.render.Invalidate()
	}

	if countryID == "" {
		c.setStatusIfCurrent(countryID, StatusNotReady)
		return
	}

	c.loadFractions(countryID)

	if c.background != nil {
		c.background.Submit(func() { c.backgroundLoad(countryID) })
	} else {
		c.backgroundLoad(countryID)
	}
}

func (c *Controller) clearPixels() {
	c.streetMu.Lock()
	defer c.streetMu.Unlock()
	if c.pixelFile != nil {
		if err := c.pixelFile.Close(); err != nil {
			c.logf("engine: close pixel file: %v", err)
		}
	}
	c.pixelFile = nil
	c.accounted = nil
}

func (c *Controller) loadFractions(countryID string) {
	c.fractionMu.Lock()
	defer c.fractionMu.Unlock()
	f, err := fractionfile.Load(c.assets.FractionFilePath(countryID))
	if err != nil {
		c.logf("engine: load fraction file for %s: %v", countryID, err)
		return
	}
	c.fractions = f
}

// backgroundLoad is the "background load" transition: on success it moves
// Status -> Ready and republishes the renderer span; on failure it follows
// spec.md §4.8's fallback row (log, Derive -> Save -> Load, success ->
// Ready else stay NotReady).
func (c *Controller) backgroundLoad(countryID string) {
	if !c.isCurrentCountry(countryID) {
		return
	}

	pf, err := pixelfile.OpenReadWrite(c.assets.PixelFilePath(countryID))
	if err != nil {
		c.logf("engine: open pixel file for %s failed (%v), deriving", countryID, err)
		if derr := c.deriveAndLoad(countryID); derr != nil {
			c.logf("engine: derive %s failed: %v", countryID, derr)
			c.setStatusIfCurrent(countryID, StatusNotReady)
		}
		return
	}
	c.finishLoad(countryID, pf)
}

func (c *Controller) deriveAndLoad(countryID string) error {
	src, ok := c.assets.FeatureSource(countryID)
	if !ok || src == nil {
		return fmt.Errorf("engine: no feature source for region %s", countryID)
	}
	if !c.isCurrentCountry(countryID) {
		return nil
	}

	mwmName := c.assets.MwmName(countryID)
	if _, err := derivation.Run(context.Background(), mwmName, src, c.store, c.assets.PixelFilePath(countryID)); err != nil {
		return err
	}

	if !c.isCurrentCountry(countryID) {
		return nil
	}
	pf, err := pixelfile.OpenReadWrite(c.assets.PixelFilePath(countryID))
	if err != nil {
		return err
	}
	c.finishLoad(countryID, pf)
	return nil
}

func (c *Controller) finishLoad(countryID string, pf *pixelfile.File) {
	if !c.isCurrentCountry(countryID) {
		_ = pf.Close()
		return
	}

	accounted, err := accountedbits.Load(c.assets.AccountedFilePath(countryID), pf.Len())
	if err != nil {
		c.logf("engine: load accounted bits for %s (%v), starting empty", countryID, err)
		accounted = accountedbits.New(pf.Len())
	} else {
		accounted.GrowLimit(pf.Len())
	}

	c.streetMu.Lock()
	c.pixelFile = pf
	c.accounted = accounted
	c.streetMu.Unlock()

	c.stateMu.Lock()
	if c.state.CountryID == countryID {
		c.state.Status = StatusReady
	}
	c.stateMu.Unlock()

	c.publishSpan(countryID)
}

func (c *Controller) isCurrentCountry(countryID string) bool {
	c.countryMu.Lock()
	defer c.countryMu.Unlock()
	return c.countryID == countryID
}

func (c *Controller) setStatusIfCurrent(countryID string, status Status) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state.CountryID == countryID {
		c.state.Status = status
	}
}

func (c *Controller) publishSpan(countryID string) {
	if c.render == nil {
		return
	}
	c.streetMu.Lock()
	pf := c.pixelFile
	c.streetMu.Unlock()
	if pf == nil {
		return
	}
	c.render.PublishSpan(renderer.Span{
		RegionID:         countryID,
		TotalPixels:      pf.Len(),
		ExploredPixels:   pf.CountExplored(),
		ExploredFraction: pf.Fraction(),
	})
}

var errNotReady = errors.New("engine: not ready for the active country")

// ProcessFix runs one GPS fix through the GPS Processor against whatever
// region is currently loaded, returning how many pixels it newly explored.
// It is a no-op returning errNotReady if the controller is not currently
// Ready. The GPS Processor runs with streetMu held.
func (c *Controller) ProcessFix(ctx context.Context, fix gpsproc.Fix) (int, error) {
	countryID := c.currentCountryID()
	if !c.stateEnabledAndReady(countryID) {
		return 0, errNotReady
	}

	c.streetMu.Lock()
	pf := c.pixelFile
	accounted := c.accounted
	if pf == nil || accounted == nil {
		c.streetMu.Unlock()
		return 0, errNotReady
	}

	proc := &gpsproc.Processor{
		RegionID:  countryID,
		PixelFile: pf,
		Accounted: accounted,
		Store:     c.store,
		Bus:       c.bus,
		Haptics:   c.haptics,
		Overlap:   c.assets.Overlap(countryID),
	}

	newly, err := proc.Process(ctx, fix)
	c.streetMu.Unlock()
	if newly > 0 {
		c.publishSpan(countryID)
	}
	return newly, err
}

func (c *Controller) currentCountryID() string {
	c.countryMu.Lock()
	defer c.countryMu.Unlock()
	return c.countryID
}

func (c *Controller) stateEnabledAndReady(countryID string) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state.Enabled && c.state.Status == StatusReady && c.state.CountryID == countryID
}

// LoadTracks runs the Track Processor's backfill pass for the active
// country in the background, then marks TracksLoaded and republishes the
// renderer span (spec.md §4.6/§4.8: triggered once tracks are available
// for a Ready region). It is a no-op if the controller is not Ready or the
// region has no track source.
func (c *Controller) LoadTracks(countryID string) {
	submit := func(fn func()) {
		if c.background != nil {
			c.background.Submit(fn)
			return
		}
		fn()
	}
	submit(func() { c.runTrackBackfill(countryID) })
}

func (c *Controller) runTrackBackfill(countryID string) {
	if !c.isCurrentCountry(countryID) {
		return
	}
	src, ok := c.assets.TrackSource(countryID)
	if !ok || src == nil {
		return
	}

	c.streetMu.Lock()
	pf := c.pixelFile
	accounted := c.accounted
	c.streetMu.Unlock()
	if pf == nil || accounted == nil {
		return
	}

	c.fractionMu.Lock()
	fractions := c.fractions
	c.fractionMu.Unlock()
	if fractions == nil {
		return
	}

	proc := &trackproc.Processor{
		RegionID:  countryID,
		PixelFile: pf,
		Accounted: accounted,
		Fractions: fractions,
		Store:     c.store,
		Bus:       c.bus,
		Overlap:   c.assets.Overlap(countryID),
		Active:    activeRegionFunc(c.currentCountryID),
		Invalidate: invalidateFunc(c.invalidateRegion),
	}

	result, err := proc.Run(context.Background(), trackproc.Paths{
		FractionFilePath:  c.assets.FractionFilePath(countryID),
		AccountedFilePath: c.assets.AccountedFilePath(countryID),
	}, src)
	if err != nil {
		c.logf("engine: track backfill for %s: %v", countryID, err)
		return
	}
	if result.Aborted {
		return
	}

	c.stateMu.Lock()
	if c.state.CountryID == countryID {
		c.state.TracksLoaded = true
	}
	c.stateMu.Unlock()
}

func (c *Controller) invalidateRegion(regionID string) {
	c.publishSpan(regionID)
	if c.render != nil {
		c.render.Invalidate()
	}
}

type activeRegionFunc func() string

func (f activeRegionFunc) CountryID() string { return f() }

type invalidateFunc func(regionID string)

func (f invalidateFunc) Invalidate(regionID string) { f(regionID) }
