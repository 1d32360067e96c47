package decompose

import (
	"context"
	"fmt"
	"strings"

	"github.com/storyforge/storyforge/internal/embedding"
	"github.com/storyforge/storyforge/internal/ticketing"
)

// StoryEmbedText is the canonical text embedded for a candidate story.
func StoryEmbedText(s CandidateStory) string {
	return strings.TrimSpace(s.Title + "\n" + strings.Join(s.AcceptanceCriteria, "\n"))
}

func childEmbedText(it ticketing.ChildItem) string {
	return strings.TrimSpace(it.Title + "\n" + it.FirstCriterion)
}

// DuplicateDetector flags near-identical stories against existing items and
// lower-indexed siblings. Matches never remove a story; they attach a
// DuplicateMatch and a warning.
type DuplicateDetector struct {
	cache     *embedding.Cache
	threshold float64
}

// NewDuplicateDetector builds a detector over a per-run embedding cache.
func NewDuplicateDetector(cache *embedding.Cache, threshold float64) *DuplicateDetector {
	return &DuplicateDetector{cache: cache, threshold: threshold}
}

// Detect embeds all stories and existing items, then attaches to each story
// its single highest match at or above the threshold. Stories are compared
// against every existing item and against lower-indexed siblings only, so a
// pair of near-identical siblings flags the later one. The stories slice is
// mutated in place and returned.
func (d *DuplicateDetector) Detect(ctx context.Context, stories []CandidateStory, existing []ticketing.ChildItem) ([]CandidateStory, error) {
	if len(stories) == 0 {
		return stories, nil
	}

	texts := make([]string, 0, len(stories)+len(existing))
	for _, s := range stories {
		texts = append(texts, StoryEmbedText(s))
	}
	for _, it := range existing {
		texts = append(texts, childEmbedText(it))
	}
	vecs, err := d.cache.EmbedMany(ctx, texts)
	if err != nil {
		return nil, &TransportError{Op: "embedding", Err: err}
	}
	storyVecs := vecs[:len(stories)]
	existingVecs := vecs[len(stories):]

	for i := range stories {
		var best *DuplicateMatch
		for j, it := range existing {
			sim := embedding.Cosine(storyVecs[i], existingVecs[j])
			if sim >= d.threshold && (best == nil || sim > best.Similarity) {
				best = &DuplicateMatch{Kind: MatchKindExisting, Ref: it.ID, Title: it.Title, Similarity: sim}
			}
		}
		for j := 0; j < i; j++ {
			sim := embedding.Cosine(storyVecs[i], storyVecs[j])
			if sim >= d.threshold && (best == nil || sim > best.Similarity) {
				best = &DuplicateMatch{
					Kind:       MatchKindSibling,
					Ref:        fmt.Sprintf("%d", stories[j].Index),
					Title:      stories[j].Title,
					Similarity: sim,
				}
			}
		}
		stories[i].Duplicate = best
		if best != nil {
			stories[i].Warnings = append(stories[i].Warnings,
				fmt.Sprintf("near-duplicate of %s %q (similarity %.2f)", best.Kind, best.Title, best.Similarity))
		}
	}
	return stories, nil
}

// DetectOne scores a single replacement story against existing items and all
// other stories in the run, used by regeneration.
func (d *DuplicateDetector) DetectOne(ctx context.Context, story CandidateStory, others []CandidateStory, existing []ticketing.ChildItem) (*DuplicateMatch, error) {
	texts := []string{StoryEmbedText(story)}
	for _, s := range others {
		texts = append(texts, StoryEmbedText(s))
	}
	for _, it := range existing {
		texts = append(texts, childEmbedText(it))
	}
	vecs, err := d.cache.EmbedMany(ctx, texts)
	if err != nil {
		return nil, &TransportError{Op: "embedding", Err: err}
	}

	var best *DuplicateMatch
	for j, s := range others {
		sim := embedding.Cosine(vecs[0], vecs[1+j])
		if sim >= d.threshold && (best == nil || sim > best.Similarity) {
			best = &DuplicateMatch{Kind: MatchKindSibling, Ref: fmt.Sprintf("%d", s.Index), Title: s.Title, Similarity: sim}
		}
	}
	off := 1 + len(others)
	for j, it := range existing {
		sim := embedding.Cosine(vecs[0], vecs[off+j])
		if sim >= d.threshold && (best == nil || sim > best.Similarity) {
			best = &DuplicateMatch{Kind: MatchKindExisting, Ref: it.ID, Title: it.Title, Similarity: sim}
		}
	}
	return best, nil
}
