// Package trackproc implements the Track Processor: a batch pass over a
// region's recorded tracks that backfills explored pixels and per-feature
// segment bits from GPS history recorded before the region was active
// (spec.md §4.6).
package trackproc

import (
	"context"
	"fmt"
	"sort"

	"street-exploration-engine/pkg/accountedbits"
	"street-exploration-engine/pkg/deltabus"
	"street-exploration-engine/pkg/featurestore"
	"street-exploration-engine/pkg/fractionfile"
	"street-exploration-engine/pkg/geometry"
	"street-exploration-engine/pkg/gpsproc"
	"street-exploration-engine/pkg/healpix"
	"street-exploration-engine/pkg/pixelfile"
	"street-exploration-engine/pkg/tracklog"
)

// coarseSampleMeters is the feature-bitmask backfill sampling interval
// (spec.md §4.6 step 1), coarser than the GPS Processor's per-fix
// resolution because a recorded track's points are already dense.
const coarseSampleMeters = 10.0

// exploreRadiusRad is the fixed 20m exploration radius (spec.md §4.1),
// applied around each coarse sample when expanding to pixel-ids.
const exploreRadiusRad = 20.0 / geometry.EarthRadiusMeters

// Track is one recorded GPS track for a region.
type Track struct {
	ID           string
	TimestampSec int64 // track start time, used as the ExplorationDelta event time
	Points       []geometry.Point
}

// Source iterates a region's tracks in ascending timestamp order
// (spec.md §4.6: "processed in timestamp order, oldest first").
type Source interface {
	Tracks(ctx context.Context) (<-chan Track, <-chan error)
}

// StaticSource is a Source backed by an in-memory track list, which it
// yields sorted by ascending TimestampSec (from a sorted copy, so the input
// order does not matter), used in tests and by any caller that has already
// materialized its track set.
type StaticSource struct {
	Tracks_ []Track
}

func (s StaticSource) Tracks(ctx context.Context) (<-chan Track, <-chan error) {
	out := make(chan Track)
	errc := make(chan error, 1)
	tracks := make([]Track, len(s.Tracks_))
	copy(tracks, s.Tracks_)
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].TimestampSec < tracks[j].TimestampSec })
	go func() {
		defer close(out)
		defer close(errc)
		for _, tr := range tracks {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case out <- tr:
			}
		}
	}()
	return out, errc
}

// ActiveRegion reports the currently selected countryId, letting Run
// abort mid-pass if the user switches regions while backfilling one
// (spec.md §4.6: "re-check countryId at the top of each track and before
// persistence; abort without saving partial results if changed").
type ActiveRegion interface {
	CountryID() string
}

// Invalidator is notified once, at the very end of a successful run, so a
// renderer can re-pull the now-stale pixel span (spec.md §4.6 step 6).
type Invalidator interface {
	Invalidate(regionID string)
}

// Processor runs the Track Processor pipeline against one region's
// mutable state. Like gpsproc.Processor, it expects the caller to hold
// the Engine Controller's streetPixelsMutex for the duration of Run.
type Processor struct {
	RegionID   string
	PixelFile  *pixelfile.File
	Accounted  *accountedbits.Bitset
	Fractions  *fractionfile.File
	Store      *featurestore.Store
	Bus        *deltabus.Bus
	Overlap    gpsproc.FeatureOverlap
	Active     ActiveRegion // may be nil; nil disables the abort-on-switch check
	Invalidate Invalidator  // may be nil
}

// Result summarizes one Track Processor run.
type Result struct {
	TracksProcessed int
	TracksSkipped   int
	PixelsExplored  int
	Aborted         bool
}

// Paths carries the on-disk locations Run persists to once the whole
// track batch completes; the processor itself holds only open handles,
// not paths, for PixelFile and the featurestore.
type Paths struct {
	FractionFilePath  string
	AccountedFilePath string
}

// Run processes every track from src not already recorded in p.Fractions,
// in ascending timestamp order, per spec.md §4.6.
func (p *Processor) Run(ctx context.Context, paths Paths, src Source) (Result, error) {
	var result Result

	tracks, errc := src.Tracks(ctx)

	for tr := range tracks {
		if p.Active != nil && p.Active.CountryID() != p.RegionID {
			result.Aborted = true
			return result, nil
		}

		if p.Fractions.Has(tr.ID) {
			result.TracksSkipped++
			continue
		}

		newlyExplored, err := p.processTrack(ctx, tr)
		if err != nil {
			tracklog.FlushError(tr.ID, err)
			return result, fmt.Errorf("trackproc: track %s: %w", tr.ID, err)
		}

		fraction := 0.0
		if p.PixelFile.Len() > 0 {
			fraction = float64(newlyExplored) / float64(p.PixelFile.Len())
		}
		p.Fractions.Put(tr.ID, fraction)

		if newlyExplored > 0 && p.Bus != nil {
			p.Bus.PublishAggregate(deltabus.Delta{
				RegionID:     p.RegionID,
				NewPixels:    newlyExplored,
				EventTimeSec: tr.TimestampSec,
			})
		}

		tracklog.Success(tr.ID, newlyExplored)
		result.TracksProcessed++
		result.PixelsExplored += newlyExplored
	}
	if err := <-errc; err != nil {
		return result, fmt.Errorf("trackproc: track source: %w", err)
	}

	if p.Active != nil && p.Active.CountryID() != p.RegionID {
		result.Aborted = true
		return result, nil
	}

	if err := p.Fractions.Save(paths.FractionFilePath); err != nil {
		return result, fmt.Errorf("trackproc: save fraction file: %w", err)
	}
	if p.Accounted.Dirty() {
		if err := p.Accounted.Save(paths.AccountedFilePath); err != nil {
			return result, fmt.Errorf("trackproc: save accounted bitset: %w", err)
		}
	}
	if p.Invalidate != nil {
		p.Invalidate.Invalidate(p.RegionID)
	}

	return result, nil
}

// processTrack runs one track through both passes spec.md §4.6 step 1-3
// describe: the coarse per-feature bitmask backfill, and the pixel-id
// exploration backfill.
func (p *Processor) processTrack(ctx context.Context, tr Track) (newlyExplored int, err error) {
	tracklog.Begin(tr.ID)

	if err := p.backfillFeatureSegments(ctx, tr); err != nil {
		return 0, err
	}

	pixelSet := make(map[int64]struct{})
	walkCoarseSamples(tr.Points, func(pt geometry.Point) {
		for _, r := range healpix.QueryDisc(healpix.Point{Lat: pt.Lat, Lon: pt.Lon}, exploreRadiusRad) {
			for id := r.Start; id < r.End; id++ {
				pixelSet[id] = struct{}{}
			}
		}
	})

	for pixelID := range pixelSet {
		idx, ok := p.PixelFile.Find(pixelID)
		if !ok {
			continue
		}
		if p.PixelFile.At(idx).Explored() {
			continue
		}
		if err := p.PixelFile.SetExplored(idx); err != nil {
			return newlyExplored, err
		}
		if p.Accounted.Get(idx) {
			continue
		}
		if err := p.Accounted.Set(idx); err != nil {
			return newlyExplored, err
		}
		newlyExplored++
		tracklog.Append(tr.ID, fmt.Sprintf("explored pixel %d", pixelID))
	}

	return newlyExplored, nil
}

// backfillFeatureSegments samples tr's polyline every coarseSampleMeters
// and, for each sample that overlaps a road feature whose bitmask already
// exists, flips the covering segment bit (spec.md §4.6 step 1: "only for
// features whose bitmask already exists" — tracks/GPS never create new
// feature rows, enforced inside gpsproc.SetFeatureSegment).
func (p *Processor) backfillFeatureSegments(ctx context.Context, tr Track) error {
	if p.Overlap == nil {
		return nil
	}
	var outerErr error
	walkCoarseSamples(tr.Points, func(pt geometry.Point) {
		if outerErr != nil {
			return
		}
		mwmName, featureIndex, distanceAlongFeatureM, ok := p.Overlap.Overlapping(pt.Lat, pt.Lon)
		if !ok {
			return
		}
		if err := gpsproc.SetFeatureSegment(ctx, p.Store, mwmName, featureIndex, distanceAlongFeatureM); err != nil {
			outerErr = err
		}
	})
	return outerErr
}

// walkCoarseSamples emits every track point plus evenly spaced
// interpolated points no more than coarseSampleMeters apart along each
// leg, covering the whole polyline at the processor's sampling
// resolution. Segmentize already emits each leg's own start point, so only
// the polyline's final point needs emitting separately.
func walkCoarseSamples(points []geometry.Point, emit func(geometry.Point)) {
	if len(points) == 0 {
		return
	}
	for i := 0; i < len(points)-1; i++ {
		geometry.Segmentize(points[i], points[i+1], coarseSampleMeters, 0, func(p geometry.Point, _ float64, _ bool) {
			emit(p)
		})
	}
	emit(points[len(points)-1])
}
