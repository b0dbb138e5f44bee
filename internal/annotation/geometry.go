package annotation

// Reference surfaces looked up through the same GeometryLookup as anchors.
// Anchors may not reuse these ids.
const (
	PaperSurfaceID     = "paper"
	ContainerSurfaceID = "container"
)

// IsSurfaceID reports whether id names one of the default reference surfaces.
func IsSurfaceID(id string) bool {
	return id == PaperSurfaceID || id == ContainerSurfaceID
}

// Rect is an element bounding box as reported by the rendering surface.
type Rect struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width" validate:"gte=0"`
	Height float64 `json:"height" validate:"gte=0"`
}

// GeometryLookup resolves the current geometry of a rendered element by id.
// The boolean is false when the element is not part of the current render.
type GeometryLookup interface {
	Rect(id string) (Rect, bool)
}

// MapLookup is a GeometryLookup over a plain id to rectangle map.
type MapLookup map[string]Rect

// Rect implements GeometryLookup.
func (m MapLookup) Rect(id string) (Rect, bool) {
	r, ok := m[id]
	return r, ok
}

// Snapshot is the geometry captured by the browser once a render has settled.
type Snapshot struct {
	Surfaces map[string]Rect `json:"surfaces" validate:"dive"`
	Anchors  map[string]Rect `json:"anchors" validate:"dive"`
}

// Rect implements GeometryLookup. Surface ids shadow anchor ids.
func (s Snapshot) Rect(id string) (Rect, bool) {
	if r, ok := s.Surfaces[id]; ok {
		return r, true
	}
	r, ok := s.Anchors[id]
	return r, ok
}

// HasAnchor reports whether the snapshot carries geometry for anchorID.
func (s Snapshot) HasAnchor(anchorID string) bool {
	_, ok := s.Anchors[anchorID]
	return ok
}
