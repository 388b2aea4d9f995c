package conflict

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/annolab/collab-server/internal/v1/types"
)

// Strategy names accepted by Resolver.Resolve.
const (
	StrategyLastWriteWins    = "last-write-wins"
	StrategyFirstWriteWins   = "first-write-wins"
	StrategyMergeAnnotations = "merge-annotations"
	StrategyUserPriority     = "user-priority"
	StrategyConfidenceBased  = "confidence-based"
	StrategyManual           = "manual-resolution"
	StrategyVoting           = "voting-based"
)

// Vote is one participant's pick in a voting-based resolution.
type Vote struct {
	UserID       types.UserIDType `json:"userId"`
	AnnotationID string           `json:"annotationId"`
	CastAt       time.Time        `json:"castAt"`
}

// RoleRanker resolves an author's role for user-priority resolution.
type RoleRanker func(userID types.UserIDType) types.RoleType

// Resolver turns a detected conflict into a resolution using a named strategy.
type Resolver struct {
	roleOf RoleRanker
}

// NewResolver creates a resolver. roleOf may be nil; user-priority then falls
// back to last-write-wins.
func NewResolver(roleOf RoleRanker) *Resolver {
	return &Resolver{roleOf: roleOf}
}

// Resolve applies the named strategy to the conflict's annotations. Votes are
// only consulted by the voting strategy.
func (r *Resolver) Resolve(strategy string, c types.Conflict, votes []Vote) (types.Resolution, error) {
	if len(c.Annotations) < 2 {
		return types.Resolution{}, fmt.Errorf("conflict %s has fewer than two annotations", c.ID)
	}

	switch strategy {
	case StrategyLastWriteWins:
		return pickWinner(strategy, latest(c.Annotations)), nil

	case StrategyFirstWriteWins:
		return pickWinner(strategy, earliest(c.Annotations)), nil

	case StrategyMergeAnnotations:
		merged := merge(c.Annotations)
		return types.Resolution{
			Strategy:   strategy,
			Action:     "merged",
			Merged:     &merged,
			ResolvedAt: time.Now(),
		}, nil

	case StrategyUserPriority:
		if r.roleOf == nil {
			return pickWinner(StrategyLastWriteWins, latest(c.Annotations)), nil
		}
		return pickWinner(strategy, r.byRole(c.Annotations)), nil

	case StrategyConfidenceBased:
		return pickWinner(strategy, byConfidence(c.Annotations)), nil

	case StrategyManual:
		return types.Resolution{
			Strategy:      strategy,
			Action:        "awaiting-input",
			RequiresInput: true,
			ResolvedAt:    time.Now(),
		}, nil

	case StrategyVoting:
		winner, err := byVotes(c.Annotations, votes)
		if err != nil {
			return types.Resolution{}, err
		}
		return pickWinner(strategy, winner), nil
	}

	return types.Resolution{}, fmt.Errorf("unknown resolution strategy %q", strategy)
}

func pickWinner(strategy string, winner types.Annotation) types.Resolution {
	w := winner.Clone()
	return types.Resolution{
		Strategy:   strategy,
		Action:     "winner-selected",
		Winner:     &w,
		ResolvedAt: time.Now(),
	}
}

func latest(anns []types.Annotation) types.Annotation {
	best := anns[0]
	for _, a := range anns[1:] {
		if touchedAt(a).After(touchedAt(best)) {
			best = a
		}
	}
	return best
}

func earliest(anns []types.Annotation) types.Annotation {
	best := anns[0]
	for _, a := range anns[1:] {
		if createdAt(a).Before(createdAt(best)) {
			best = a
		}
	}
	return best
}

func (r *Resolver) byRole(anns []types.Annotation) types.Annotation {
	best := anns[0]
	bestRank := r.roleOf(best.AuthorID).Rank()
	for _, a := range anns[1:] {
		rank := r.roleOf(a.AuthorID).Rank()
		// Equal ranks fall back to recency.
		if rank > bestRank || (rank == bestRank && touchedAt(a).After(touchedAt(best))) {
			best, bestRank = a, rank
		}
	}
	return best
}

func byConfidence(anns []types.Annotation) types.Annotation {
	best := anns[0]
	for _, a := range anns[1:] {
		if confidence(a) > confidence(best) {
			best = a
		} else if confidence(a) == confidence(best) && touchedAt(a).After(touchedAt(best)) {
			best = a
		}
	}
	return best
}

func byVotes(anns []types.Annotation, votes []Vote) (types.Annotation, error) {
	if len(votes) == 0 {
		return types.Annotation{}, fmt.Errorf("voting-based resolution requires votes")
	}
	// One vote per user; the latest cast wins.
	latestVote := make(map[types.UserIDType]Vote)
	for _, v := range votes {
		if prev, ok := latestVote[v.UserID]; !ok || v.CastAt.After(prev.CastAt) {
			latestVote[v.UserID] = v
		}
	}
	tally := make(map[string]int)
	for _, v := range latestVote {
		tally[v.AnnotationID]++
	}

	var winner types.Annotation
	bestCount := -1
	for _, a := range anns {
		count := tally[a.ID]
		if count > bestCount || (count == bestCount && touchedAt(a).After(touchedAt(winner))) {
			winner, bestCount = a, count
		}
	}
	return winner, nil
}

// merge combines conflicting annotations into one: union of the spans, union
// of the labels, averaged confidence and concatenated notes.
func merge(anns []types.Annotation) types.Annotation {
	out := latest(anns).Clone()

	labelSet := make(map[string]bool)
	var labels []string
	var notes []string
	var confSum float64
	var confCount int

	for _, a := range anns {
		if a.StartOffset < out.StartOffset {
			out.StartOffset = a.StartOffset
		}
		if a.EndOffset > out.EndOffset {
			out.EndOffset = a.EndOffset
		}
		for _, l := range a.Labels {
			if !labelSet[l] {
				labelSet[l] = true
				labels = append(labels, l)
			}
		}
		if a.Notes != "" {
			notes = append(notes, a.Notes)
		}
		if a.Confidence != nil {
			confSum += *a.Confidence
			confCount++
		}
	}

	sort.Strings(labels)
	out.Labels = labels
	out.Notes = strings.Join(notes, "\n")
	if confCount > 0 {
		avg := confSum / float64(confCount)
		out.Confidence = &avg
	}
	out.UpdatedAt = time.Now()
	return out
}

func touchedAt(a types.Annotation) time.Time {
	if !a.UpdatedAt.IsZero() {
		return a.UpdatedAt
	}
	return a.CreatedAt
}

func createdAt(a types.Annotation) time.Time {
	if !a.CreatedAt.IsZero() {
		return a.CreatedAt
	}
	return a.UpdatedAt
}

func confidence(a types.Annotation) float64 {
	if a.Confidence == nil {
		return 0
	}
	return *a.Confidence
}
