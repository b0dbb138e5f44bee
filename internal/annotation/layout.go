// Package annotation places floating comment cards next to the highlighted
// spans they refer to.
//
// Placement is a single top-to-bottom sweep over the comments sorted by the
// vertical position of their anchors. Every card keeps its anchor position
// unless the previous card still occupies it, in which case it is pushed just
// below that card. Cards therefore never overlap and never change order.
package annotation

import (
	"cmp"
	"slices"
	"time"
)

const (
	// CardHeight is the fixed footprint reserved for one comment card.
	CardHeight = 150.0
	// Gap separates a pushed card from the card above it.
	Gap = 10.0
)

// Comment is the part of an annotation the layout needs.
type Comment struct {
	ID        string
	AnchorID  string
	AuthorID  int64
	Content   string
	CreatedAt time.Time
}

// Placement is the computed position of one comment card.
type Placement struct {
	Offset  float64 `json:"offset"`
	Visible bool    `json:"visible"`
}

// LayoutResult maps comment ids to their placement. It always holds an entry
// for every comment passed to ComputeLayout.
type LayoutResult map[string]Placement

// Visible returns the ids of placed comments ordered by offset.
func (r LayoutResult) Visible() []string {
	ids := make([]string, 0, len(r))
	for id, p := range r {
		if p.Visible {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b string) int {
		if c := cmp.Compare(r[a].Offset, r[b].Offset); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return ids
}

// Hidden returns the ids of comments whose anchor could not be resolved.
func (r LayoutResult) Hidden() []string {
	var ids []string
	for id, p := range r {
		if !p.Visible {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Engine computes comment layouts. The zero value is not usable; use NewEngine.
type Engine struct {
	cardHeight float64
	gap        float64
	surfaces   []string
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithCardHeight overrides the reserved card footprint.
func WithCardHeight(h float64) EngineOption {
	return func(e *Engine) {
		if h > 0 {
			e.cardHeight = h
		}
	}
}

// WithGap overrides the distance between a pushed card and its predecessor.
func WithGap(g float64) EngineOption {
	return func(e *Engine) {
		if g >= 0 {
			e.gap = g
		}
	}
}

// WithSurfaces sets the reference surfaces in order of preference.
func WithSurfaces(ids ...string) EngineOption {
	return func(e *Engine) {
		if len(ids) > 0 {
			e.surfaces = slices.Clone(ids)
		}
	}
}

// NewEngine returns an Engine measuring against the paper surface, falling
// back to the scroll container.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		cardHeight: CardHeight,
		gap:        Gap,
		surfaces:   []string{PaperSurfaceID, ContainerSurfaceID},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CardHeight returns the card footprint used by the engine.
func (e *Engine) CardHeight() float64 {
	return e.cardHeight
}

var defaultEngine = NewEngine()

// ComputeLayout lays out comments with the default engine.
func ComputeLayout(comments []Comment, lookup GeometryLookup) LayoutResult {
	return defaultEngine.ComputeLayout(comments, lookup)
}

type resolved struct {
	id      string
	natural float64
}

// ComputeLayout assigns an offset to every comment whose anchor resolves and
// hides the rest. It never fails: a missing reference surface hides every
// comment, a missing anchor hides only its comment. Surface ids are reserved
// and never resolve as anchors.
func (e *Engine) ComputeLayout(comments []Comment, lookup GeometryLookup) LayoutResult {
	result := make(LayoutResult, len(comments))
	for _, c := range comments {
		result[c.ID] = Placement{}
	}
	if len(comments) == 0 || lookup == nil {
		return result
	}

	ref, ok := e.reference(lookup)
	if !ok {
		return result
	}

	placed := make([]resolved, 0, len(comments))
	for _, c := range comments {
		if c.AnchorID == "" || e.isSurface(c.AnchorID) {
			continue
		}
		rect, ok := lookup.Rect(c.AnchorID)
		if !ok {
			continue
		}
		placed = append(placed, resolved{id: c.ID, natural: rect.Top - ref.Top})
	}

	slices.SortStableFunc(placed, func(a, b resolved) int {
		return cmp.Compare(a.natural, b.natural)
	})

	currentBottom := 0.0
	for _, p := range placed {
		offset := p.natural
		if offset < currentBottom {
			offset = currentBottom + e.gap
		}
		result[p.id] = Placement{Offset: offset, Visible: true}
		currentBottom = offset + e.cardHeight
	}
	return result
}

func (e *Engine) reference(lookup GeometryLookup) (Rect, bool) {
	for _, id := range e.surfaces {
		if rect, ok := lookup.Rect(id); ok {
			return rect, true
		}
	}
	return Rect{}, false
}

func (e *Engine) isSurface(id string) bool {
	return slices.Contains(e.surfaces, id)
}
