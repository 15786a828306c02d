package regionresolver

import "sort"

// regionBox stores a coarse rectangular approximation for a country. The
// teacher's original countryresolver package backed this table with a
// parsed Natural Earth GeoJSON dataset and an R-tree index; that dataset
// file is not part of this engine's supporting assets, so the table is a
// compact literal set of bounding boxes in the same regionBox shape,
// covering the countries a street-exploration deployment needs to key
// per-region engine state (spec.md §4.8: "state keyed on countryId").
type regionBox struct {
	code           string
	name           string
	minLat, maxLat float64
	minLon, maxLon float64
	priority       int // higher checked first, for nested/overlapping boxes
	area           float64
}

// contains reports whether the rectangle includes the provided point.
func (b regionBox) contains(lat, lon float64) bool {
	if lat < b.minLat || lat > b.maxLat {
		return false
	}
	if lon < b.minLon || lon > b.maxLon {
		return false
	}
	return true
}

// boxes is populated via buildBoxes so Resolve can stay allocation free.
var boxes = buildBoxes()

// nameByCode keeps a quick lookup for English country names, derived once
// from the prepared slice.
var nameByCode = buildNameIndex(boxes)

func buildBoxes() []regionBox {
	raw := []regionBox{
		{code: "UA", name: "Ukraine", minLat: 44.3, maxLat: 52.4, minLon: 22.1, maxLon: 40.3, priority: 1},
		{code: "GE", name: "Georgia", minLat: 41.0, maxLat: 43.6, minLon: 40.0, maxLon: 46.8, priority: 2},
		{code: "AZ", name: "Azerbaijan", minLat: 38.3, maxLat: 41.9, minLon: 44.7, maxLon: 50.6, priority: 2},
		{code: "AM", name: "Armenia", minLat: 38.8, maxLat: 41.3, minLon: 43.4, maxLon: 46.6, priority: 2},
		{code: "JP", name: "Japan", minLat: 24.0, maxLat: 45.6, minLon: 122.9, maxLon: 153.99, priority: 1},
		{code: "US", name: "United States", minLat: 24.4, maxLat: 49.5, minLon: -125.0, maxLon: -66.9, priority: 1},
		{code: "NZ", name: "New Zealand", minLat: -47.3, maxLat: -34.0, minLon: 166.3, maxLon: 178.6, priority: 1},
		{code: "SG", name: "Singapore", minLat: 1.15, maxLat: 1.48, minLon: 103.6, maxLon: 104.1, priority: 3},
		{code: "GH", name: "Ghana", minLat: 4.7, maxLat: 11.2, minLon: -3.3, maxLon: 1.2, priority: 1},
		{code: "KR", name: "South Korea", minLat: 33.0, maxLat: 38.7, minLon: 124.5, maxLon: 131.0, priority: 2},
		{code: "TW", name: "Taiwan", minLat: 21.9, maxLat: 25.3, minLon: 119.3, maxLon: 122.0, priority: 2},
		{code: "HK", name: "Hong Kong", minLat: 22.15, maxLat: 22.56, minLon: 113.8, maxLon: 114.5, priority: 3},
		{code: "BO", name: "Bolivia", minLat: -22.9, maxLat: -9.7, minLon: -69.6, maxLon: -57.4, priority: 1},
	}
	for i := range raw {
		raw[i].area = (raw[i].maxLat - raw[i].minLat) * (raw[i].maxLon - raw[i].minLon)
	}
	sort.SliceStable(raw, func(i, j int) bool {
		if raw[i].priority != raw[j].priority {
			return raw[i].priority > raw[j].priority
		}
		return raw[i].area < raw[j].area
	})
	return raw
}

// buildNameIndex constructs a map from ISO code to English name once
// during package initialisation, avoiding any runtime locking.
func buildNameIndex(list []regionBox) map[string]string {
	out := make(map[string]string, len(list))
	for _, b := range list {
		if _, ok := out[b.code]; !ok {
			out[b.code] = b.name
		}
	}
	return out
}
