// Package gpsproc implements the GPS Processor: for each incoming fix it
// marks pixels in the 20m disc around it, updates the per-feature bitmask
// for whichever road the fix overlaps, emits an ExplorationDelta, and
// triggers haptics proportional to the newly explored count (spec.md
// §4.7).
package gpsproc

import (
	"context"

	"street-exploration-engine/pkg/accountedbits"
	"street-exploration-engine/pkg/deltabus"
	"street-exploration-engine/pkg/featurestore"
	"street-exploration-engine/pkg/haptics"
	"street-exploration-engine/pkg/healpix"
	"street-exploration-engine/pkg/pixelfile"
)

// exploreRadiusRad is the fixed 20m exploration radius (spec.md §4.1).
const exploreRadiusRad = 20.0 / 6371000.0

// stepMeters is the per-feature bitmask bucket width (spec.md §3).
const stepMeters = 15.0

// Fix is one GPS sample.
type Fix struct {
	Lat, Lon     float64
	TimestampSec int64
}

// FeatureOverlap resolves which (mwm, featureIndex, distanceAlongFeatureM)
// a fix point lies on, the bit of road-network lookup spec.md §1
// explicitly treats as an external collaborator (the map-feature reader).
// A fix that overlaps no known road returns ok=false.
type FeatureOverlap interface {
	Overlapping(lat, lon float64) (mwmName string, featureIndex int64, distanceAlongFeatureM float64, ok bool)
}

// Processor runs the GPS Processor pipeline against one region's mutable
// state. It holds no lock itself — the Engine Controller's
// streetPixelsMutex is expected to guard calls into Process, matching
// spec.md §5's "all mutation goes through FindStreetPixel under
// streetPixelsMutex".
type Processor struct {
	RegionID  string
	PixelFile *pixelfile.File
	Accounted *accountedbits.Bitset
	Store     *featurestore.Store
	Bus       *deltabus.Bus
	Haptics   haptics.Feedback
	Overlap   FeatureOverlap
}

// Process handles one GPS fix end to end, per spec.md §4.7.
func (p *Processor) Process(ctx context.Context, fix Fix) (newlyExplored int, err error) {
	ranges := healpix.QueryDisc(healpix.Point{Lat: fix.Lat, Lon: fix.Lon}, exploreRadiusRad)

	for _, r := range ranges {
		for pixelID := r.Start; pixelID < r.End; pixelID++ {
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
			if p.Bus != nil {
				p.Bus.PublishFine(deltabus.Delta{RegionID: p.RegionID, NewPixels: 1, EventTimeSec: fix.TimestampSec})
			}
		}
	}

	if newlyExplored > 0 {
		if p.Bus != nil {
			p.Bus.PublishAggregate(deltabus.Delta{RegionID: p.RegionID, NewPixels: newlyExplored, EventTimeSec: fix.TimestampSec})
		}
		if p.Haptics != nil {
			p.Haptics.Pulse(newlyExplored)
		}
		if err := p.UpdateStreetStats(ctx, fix.Lat, fix.Lon, newlyExplored); err != nil {
			return newlyExplored, err
		}
	}

	return newlyExplored, nil
}

// UpdateStreetStats flips the 15m segment bit covering (lat,lon) in the
// overlapping road feature's bitmask, per spec.md §4.7: "if
// newlyExplored>0, for each road feature covering the fix point, flip the
// corresponding 15m segment bit in its per-feature bitmask." It is a
// no-op if newlyExplored is 0 or the fix overlaps no known feature.
func (p *Processor) UpdateStreetStats(ctx context.Context, lat, lon float64, newlyExplored int) error {
	if newlyExplored <= 0 || p.Overlap == nil {
		return nil
	}
	mwmName, featureIndex, distanceAlongFeatureM, ok := p.Overlap.Overlapping(lat, lon)
	if !ok {
		return nil
	}
	return SetFeatureSegment(ctx, p.Store, mwmName, featureIndex, distanceAlongFeatureM)
}

// SetFeatureSegment flips the bit for floor(distanceAlongFeatureM/15) in
// the named feature's bitmask, growing it if the segment index falls
// beyond its current length. It is shared by the GPS Processor and the
// Track Processor's coarse sampling pass (spec.md §4.6 step 1).
func SetFeatureSegment(ctx context.Context, store *featurestore.Store, mwmName string, featureIndex int64, distanceAlongFeatureM float64) error {
	segmentIndex := int(distanceAlongFeatureM / stepMeters)

	bitmask, ok, err := store.GetBitmask(ctx, mwmName, featureIndex)
	if err != nil {
		return err
	}
	if !ok {
		return nil // tracks/GPS must not create new feature rows (spec.md §4.6 step 1)
	}

	needed := segmentIndex/8 + 1
	if len(bitmask) < needed {
		grown := make([]byte, needed)
		copy(grown, bitmask)
		bitmask = grown
	}
	bitmask[segmentIndex/8] |= 1 << (segmentIndex % 8)

	return store.SaveBitmask(ctx, mwmName, featureIndex, bitmask)
}

// TotalExploredFraction exposes getTotalExploredFraction (spec.md §8
// property 8) for callers that have a Processor in hand.
func (p *Processor) TotalExploredFraction() float64 {
	return p.PixelFile.Fraction()
}
