// Package derivation implements Pixel Derivation, the one-time batch that
// walks a map's road features, segmentizes them, emits pixel-ids, and
// writes the sorted PixelFile plus initial FeatureBitmaskStore rows
// (spec.md §4.5).
package derivation

import (
	"context"
	"fmt"
	"math"
	"sort"

	"street-exploration-engine/pkg/featurestore"
	"street-exploration-engine/pkg/geometry"
	"street-exploration-engine/pkg/healpix"
	"street-exploration-engine/pkg/pixelfile"
)

// stepMeters is the fixed per-segment subdivision length (spec.md §4.5
// step 3; also the bitmask bucket width, spec.md §3).
const stepMeters = 15.0

// Feature is one road-geometry record from the map-feature reader, an
// external collaborator this engine does not own (spec.md §1). Its shape
// is the minimum the derivation pass needs to decide IsExplorable and
// walk the geometry.
type Feature struct {
	Index int64 // feature_index, unique within its mwm
	// Types holds the classifier path segments in the order the original
	// map-feature reader assigns them; spec.md §4.5 inspects Types[0] and
	// Types[2].
	Types          []string
	HwtagPrivate   bool
	HwtagNoBicycle bool
	HwtagNoFoot    bool
	Points         []geometry.Point
}

// IsExplorable applies the eligibility rule from spec.md §4.5 step 1:
// the feature must be a line (>=2 points, checked by the caller), its
// first classifier must be "highway", its third classifier must be
// neither "driveway" nor "tunnel", hwtag=private excludes it outright, and
// at least one of bicycle/pedestrian access must remain allowed (allowed
// by default unless explicitly tagged no{bicycle,foot}).
func (f Feature) IsExplorable() bool {
	if len(f.Types) == 0 || f.Types[0] != "highway" {
		return false
	}
	if len(f.Types) >= 3 {
		switch f.Types[2] {
		case "driveway", "tunnel":
			return false
		}
	}
	if f.HwtagPrivate {
		return false
	}
	bicycleAllowed := !f.HwtagNoBicycle
	footAllowed := !f.HwtagNoFoot
	return bicycleAllowed || footAllowed
}

// Source is the map-feature iterator for a region; a real implementation
// reads an mwm, a test implementation can be a static slice.
type Source interface {
	Features(ctx context.Context) (<-chan Feature, <-chan error)
}

// StaticSource is a Source backed by an in-memory feature list, used in
// tests and by any caller that has already materialized a feature set.
type StaticSource struct {
	Features_ []Feature
}

func (s StaticSource) Features(ctx context.Context) (<-chan Feature, <-chan error) {
	out := make(chan Feature)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for _, f := range s.Features_ {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case out <- f:
			}
		}
	}()
	return out, errc
}

// Result summarizes one derivation run, useful for logging and tests.
type Result struct {
	FeaturesConsidered int
	FeaturesExplorable int
	PixelRecords       int
}

// exploreRadiusRad is the fixed 20m exploration radius used nowhere in
// derivation itself, kept here only as a cross-reference for readers
// connecting this package to the GPS/Track processors; derivation does not
// call QueryDisc, it only converts segment endpoints to single pixel-ids.
const exploreRadiusRad = 20.0 / geometry.EarthRadiusMeters

// Run walks every feature from src, and for each IsExplorable feature with
// at least two points: segmentizes its polyline at stepMeters, converts
// each edge's start vertex and interior subdivision points to pixel-ids
// (the polyline's final vertex is not converted), writes the resulting
// bitmask to store,
// and accumulates every pixel-id touched by any feature. It finally writes
// the deduplicated, sorted set of pixel-ids to pixelFilePath.
func Run(ctx context.Context, mwmName string, src Source, store *featurestore.Store, pixelFilePath string) (Result, error) {
	var result Result
	pixelSet := make(map[int64]struct{})

	features, errc := src.Features(ctx)

	err := store.WithTransaction(ctx, func(tx *featurestore.Tx) error {
		for feature := range features {
			result.FeaturesConsidered++
			if !feature.IsExplorable() {
				continue
			}
			if len(feature.Points) < 2 {
				continue
			}
			result.FeaturesExplorable++

			bitLen, bitmaskSegments := segmentizeFeature(feature, pixelSet)
			bitmask := make([]byte, (bitLen+7)/8)
			for _, segIdx := range bitmaskSegments {
				bitmask[segIdx/8] |= 1 << (segIdx % 8)
			}
			if err := tx.SaveBitmask(ctx, mwmName, feature.Index, bitmask); err != nil {
				return fmt.Errorf("derivation: save bitmask for feature %d: %w", feature.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	if err := <-errc; err != nil {
		return result, fmt.Errorf("derivation: feature source: %w", err)
	}

	ids := make([]int64, 0, len(pixelSet))
	for id := range pixelSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	recs := make([]pixelfile.PixelRecord, len(ids))
	for i, id := range ids {
		recs[i] = pixelfile.NewPixelRecord(id)
	}
	if err := pixelfile.CreateSorted(pixelFilePath, recs); err != nil {
		return result, fmt.Errorf("derivation: write pixel file: %w", err)
	}
	result.PixelRecords = len(recs)

	return result, nil
}

// segmentizeFeature walks feature's polyline in stepMeters increments,
// adds the pixel-id of every vertex except the last, and of every interior
// subdivision point, to pixelSet, and returns the feature's total segment
// count (for sizing its bitmask) plus the set of segment indices implied by the walk (spec.md §3:
// segment_index = floor(distanceAlongFeatureM/15)). Only interior points
// contribute a segment index, matching street_pixels_manager.cpp, where a
// segment's own start vertex is pushed to the pixel point list but never
// fed into the per-feature bitmask.
func segmentizeFeature(feature Feature, pixelSet map[int64]struct{}) (segmentCount int, setSegments []int) {
	distanceSoFar := 0.0
	segSet := make(map[int]struct{})

	// The feature's own start always belongs to segment 0, matching
	// S1's "segment 0 implied at start" expectation (spec.md §10).
	segSet[0] = struct{}{}

	for i := 0; i < len(feature.Points)-1; i++ {
		p1, p2 := feature.Points[i], feature.Points[i+1]
		distanceSoFar = geometry.Segmentize(p1, p2, stepMeters, distanceSoFar, func(p geometry.Point, distM float64, interior bool) {
			pixelSet[healpix.FromLatLon(p.Lat, p.Lon)] = struct{}{}
			if interior {
				segSet[int(distM/stepMeters)] = struct{}{}
			}
		})
	}

	totalSegments := int(math.Ceil(distanceSoFar / stepMeters))
	if totalSegments < 1 {
		totalSegments = 1
	}
	segs := make([]int, 0, len(segSet))
	for s := range segSet {
		segs = append(segs, s)
	}
	sort.Ints(segs)
	return totalSegments, segs
}
