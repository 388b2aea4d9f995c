// Package conflict detects incompatibilities between annotations on the same
// text and resolves them with pluggable strategies.
package conflict

import (
	"context"
	"sync"
	"time"

	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/metrics"
	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// temporalWindow is how close two edits by different authors must be to
// count as a temporal conflict.
const temporalWindow = 5 * time.Second

// defaultLabelPairs are label combinations that contradict each other when
// applied to overlapping spans.
var defaultLabelPairs = map[string]string{
	"positive":   "negative",
	"relevant":   "irrelevant",
	"entity":     "not-entity",
	"supported":  "refuted",
	"subjective": "objective",
}

// Detector inspects annotation pairs and records detected conflicts per room.
type Detector struct {
	mu         sync.Mutex
	labelPairs map[string]string
	conflicts  map[types.RoomIDType]map[string]*types.Conflict
}

// NewDetector creates a detector with the default contradictory label pairs.
func NewDetector() *Detector {
	pairs := make(map[string]string, len(defaultLabelPairs))
	for k, v := range defaultLabelPairs {
		pairs[k] = v
	}
	return &Detector{
		labelPairs: pairs,
		conflicts:  make(map[types.RoomIDType]map[string]*types.Conflict),
	}
}

// AddLabelPair registers an additional contradictory label pair.
func (d *Detector) AddLabelPair(a, b string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.labelPairs[a] = b
}

// Detect compares the incoming annotation against existing annotations on the
// same text and returns any detected conflicts, recorded per room.
func (d *Detector) Detect(ctx context.Context, roomID types.RoomIDType, incoming types.Annotation, existing []types.Annotation) []types.Conflict {
	var found []types.Conflict
	for _, other := range existing {
		// An annotation never conflicts with its own prior version, but the
		// same annotation touched by another author still can (temporal).
		if other.ID == incoming.ID && other.AuthorID == incoming.AuthorID {
			continue
		}
		if other.TextID != incoming.TextID {
			continue
		}
		if c, ok := d.compare(roomID, incoming, other); ok {
			found = append(found, c)
		}
	}
	if len(found) == 0 {
		return nil
	}

	d.mu.Lock()
	byRoom := d.conflicts[roomID]
	if byRoom == nil {
		byRoom = make(map[string]*types.Conflict)
		d.conflicts[roomID] = byRoom
	}
	for i := range found {
		c := found[i]
		byRoom[c.ID] = &c
		metrics.ConflictsDetected.WithLabelValues(string(c.Type), string(c.Severity)).Inc()
	}
	d.mu.Unlock()

	logging.Info(ctx, "Annotation conflicts detected",
		zap.String("roomId", string(roomID)),
		zap.String("annotationId", incoming.ID),
		zap.Int("count", len(found)))
	return found
}

// compare checks one annotation pair. Several conflict kinds can apply; the
// most severe one wins.
func (d *Detector) compare(roomID types.RoomIDType, a, b types.Annotation) (types.Conflict, bool) {
	var (
		kind     types.ConflictType
		severity types.ConflictSeverity
		hit      bool
	)

	consider := func(t types.ConflictType, s types.ConflictSeverity) {
		if !hit || s.Rank() > severity.Rank() {
			kind, severity = t, s
		}
		hit = true
	}

	overlap := overlapLen(a, b)

	if overlap > 0 {
		if a.StartOffset == b.StartOffset && a.EndOffset == b.EndOffset && !sameLabels(a.Labels, b.Labels) {
			consider(types.ConflictContent, types.SeverityHigh)
		} else {
			consider(types.ConflictPositionOverlap, overlapSeverity(a, b, overlap))
		}
		if d.labelsContradict(a.Labels, b.Labels) {
			consider(types.ConflictLabel, types.SeverityHigh)
		}
	}

	if a.ID != "" && a.ID == b.ID && a.AuthorID != b.AuthorID && withinWindow(a.UpdatedAt, b.UpdatedAt) {
		consider(types.ConflictTemporal, types.SeverityMedium)
	}

	if !hit {
		return types.Conflict{}, false
	}
	return types.Conflict{
		ID:          uuid.New().String(),
		Type:        kind,
		Severity:    severity,
		Annotations: []types.Annotation{a.Clone(), b.Clone()},
		RoomID:      roomID,
		DetectedAt:  time.Now(),
		Status:      types.ConflictDetected,
	}, true
}

// overlapSeverity grades a positional overlap by the overlapped fraction of
// the smaller span.
func overlapSeverity(a, b types.Annotation, overlap int) types.ConflictSeverity {
	shorter := minSpan(a.EndOffset-a.StartOffset, b.EndOffset-b.StartOffset)
	if shorter <= 0 {
		return types.SeverityLow
	}
	frac := float64(overlap) / float64(shorter)
	switch {
	case frac > 0.8:
		return types.SeverityHigh
	case frac > 0.5:
		return types.SeverityMedium
	}
	return types.SeverityLow
}

func (d *Detector) labelsContradict(a, b []string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, la := range a {
		for _, lb := range b {
			if d.labelPairs[la] == lb || d.labelPairs[lb] == la {
				return true
			}
		}
	}
	return false
}

// Resolve applies the resolution to a recorded conflict and returns the
// updated record.
func (d *Detector) Resolve(conflictID string, roomID types.RoomIDType, res types.Resolution) (*types.Conflict, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byRoom := d.conflicts[roomID]
	if byRoom == nil {
		return nil, false
	}
	c, ok := byRoom[conflictID]
	if !ok {
		return nil, false
	}
	c.Status = types.ConflictResolved
	c.Resolution = &res
	out := *c
	return &out, true
}

// Pending returns unresolved conflicts for a room.
func (d *Detector) Pending(roomID types.RoomIDType) []types.Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.Conflict
	for _, c := range d.conflicts[roomID] {
		if c.Status == types.ConflictDetected {
			out = append(out, *c)
		}
	}
	return out
}

// Stats summarizes a room's conflicts by type and severity.
func (d *Detector) Stats(roomID types.RoomIDType) map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := make(map[string]int)
	for _, c := range d.conflicts[roomID] {
		stats["type:"+string(c.Type)]++
		stats["severity:"+string(c.Severity)]++
		if c.Status == types.ConflictResolved {
			stats["resolved"]++
		} else {
			stats["pending"]++
		}
	}
	return stats
}

// RemoveRoom drops all conflict records for a room.
func (d *Detector) RemoveRoom(roomID types.RoomIDType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conflicts, roomID)
}

func overlapLen(a, b types.Annotation) int {
	lo := a.StartOffset
	if b.StartOffset > lo {
		lo = b.StartOffset
	}
	hi := a.EndOffset
	if b.EndOffset < hi {
		hi = b.EndOffset
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

func minSpan(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, l := range a {
		seen[l]++
	}
	for _, l := range b {
		seen[l]--
		if seen[l] < 0 {
			return false
		}
	}
	return true
}

func withinWindow(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return delta <= temporalWindow
}
