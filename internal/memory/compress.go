package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/xiy/memory-engine/internal/store"
	"github.com/xiy/memory-engine/pkg/types"
)

// dedupePrefix is the number of leading runes compared when deduplicating
// summary sentences.
const dedupePrefix = 50

// SummaryOptions bounds the extractive summary.
type SummaryOptions struct {
	MaxSentences      int
	MinSentenceLength int
}

// Summarize builds an extractive summary of contents: sentences are split on
// terminal punctuation and newlines, short ones are dropped, sentences that
// share a case-insensitive prefix are kept once, and at most MaxSentences
// survive, joined with ". ". If every sentence is short the short ones are
// used instead so the summary is never empty for non-empty input.
func Summarize(contents []string, opts SummaryOptions) string {
	var sentences []string
	for _, c := range contents {
		for _, part := range strings.FieldsFunc(c, isSentenceBreak) {
			if part = strings.TrimSpace(part); part != "" {
				sentences = append(sentences, part)
			}
		}
	}

	picked := pickSentences(sentences, opts, opts.MinSentenceLength)
	if len(picked) == 0 {
		picked = pickSentences(sentences, opts, 0)
	}
	return strings.Join(picked, ". ")
}

func pickSentences(sentences []string, opts SummaryOptions, minLen int) []string {
	seen := make(map[string]struct{}, len(sentences))
	out := make([]string, 0, opts.MaxSentences)
	for _, sent := range sentences {
		if len(out) >= opts.MaxSentences {
			break
		}
		if utf8.RuneCountInString(sent) < minLen {
			continue
		}
		key := strings.ToLower(sent)
		if r := []rune(key); len(r) > dedupePrefix {
			key = string(r[:dedupePrefix])
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sent)
	}
	return out
}

func isSentenceBreak(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '\n'
}

// Compress replaces each large enough group of the user's old active
// memories, grouped by category, with one summary memory. The originals are
// kept and marked compressed. The summary's metadata lists exactly the
// originals that were marked.
func (s *Service) Compress(ctx context.Context, userID string) (types.CompressReport, error) {
	user := strings.TrimSpace(userID)
	if user == "" {
		return types.CompressReport{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	report := types.CompressReport{UserID: user}

	now := s.clock.Now()
	cutoff := now.Add(-time.Duration(s.cfg.CompressAfterDays) * 24 * time.Hour)
	items, err := s.query(ctx, "compress.scan", user, store.Query{
		Filter: store.Filter{Compressed: store.Bool(false), CreatedBefore: cutoff},
		Order:  store.OrderCreated,
	})
	if err != nil {
		return report, nil
	}

	groups := make(map[string][]types.MemoryItem)
	for _, it := range items {
		groups[it.Category] = append(groups[it.Category], it)
	}
	categories := make([]string, 0, len(groups))
	for cat, members := range groups {
		if len(members) >= s.cfg.MinCompressCount {
			categories = append(categories, cat)
		}
	}
	sort.Strings(categories)

	texts := make([]string, len(categories))
	for i, cat := range categories {
		texts[i] = s.summarize(groups[cat])
	}
	vecs := s.embed.GenerateBatch(ctx, texts)

	for i, cat := range categories {
		report.Groups++
		group, err := s.compressGroup(ctx, user, cat, groups[cat], texts[i], vecs[i], now)
		if err != nil {
			report.Failed += len(groups[cat])
			continue
		}
		if len(group.OriginalIDs) == 0 {
			report.Failed += len(groups[cat])
			continue
		}
		report.Summaries++
		report.Compressed += len(group.OriginalIDs)
		report.Failed += len(groups[cat]) - len(group.OriginalIDs)
		report.Details = append(report.Details, group)
	}

	s.logger.Info("compression finished", "user", user, "groups", report.Groups,
		"summaries", report.Summaries, "compressed", report.Compressed, "failed", report.Failed)
	return report, nil
}

func (s *Service) summarize(members []types.MemoryItem) string {
	contents := make([]string, 0, len(members))
	for _, m := range members {
		contents = append(contents, m.Content)
	}
	return Summarize(contents, SummaryOptions{
		MaxSentences:      s.cfg.SummaryMaxSentences,
		MinSentenceLength: s.cfg.MinSentenceLength,
	})
}

// compressGroup persists the summary first and then flips the originals. If
// only some originals flip, the summary metadata is rewritten to name just
// those; if none flip, the summary is removed again.
func (s *Service) compressGroup(ctx context.Context, user, category string, members []types.MemoryItem, text string, vec []float32, now time.Time) (types.CompressedGroup, error) {
	var total float64
	for _, m := range members {
		total += m.Importance
	}

	summary := types.MemoryItem{
		ID:             "mem_" + sanitizeID(user) + "_summary_" + uuid.NewString(),
		UserID:         user,
		Content:        text,
		ContentHash:    ContentHash(text),
		Embedding:      vec,
		Category:       category + types.SummarySuffix,
		Importance:     clamp(total/float64(len(members))+s.cfg.SummaryImportanceBonus, 0, 1),
		SessionID:      types.GlobalSession,
		CreatedAt:      now,
		LastAccessed:   now,
		ParentMemoryID: members[0].ID,
		Metadata:       summaryMetadata(category, members, now),
	}
	if err := s.do(ctx, "compress.insert_summary", user, func(ctx context.Context) error {
		return s.store.Insert(ctx, summary)
	}); err != nil {
		return types.CompressedGroup{}, err
	}

	flipped := make([]types.MemoryItem, 0, len(members))
	for _, m := range members {
		err := s.do(ctx, "compress.mark", user, func(ctx context.Context) error {
			return s.store.Update(ctx, user, m.ID, store.Patch{Compressed: store.Bool(true)})
		})
		if err != nil {
			continue
		}
		flipped = append(flipped, m)
	}

	group := types.CompressedGroup{Category: category, SummaryID: summary.ID}
	switch {
	case len(flipped) == 0:
		if err := s.do(ctx, "compress.drop_summary", user, func(ctx context.Context) error {
			return s.store.Delete(ctx, user, summary.ID)
		}); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("summary left without originals", "user", user, "id", summary.ID, "error", err)
		}
		return group, nil
	case len(flipped) < len(members):
		meta := summaryMetadata(category, flipped, now)
		if err := s.do(ctx, "compress.fix_summary", user, func(ctx context.Context) error {
			return s.store.Update(ctx, user, summary.ID, store.Patch{Metadata: meta})
		}); err != nil {
			s.logger.Error("summary metadata lists unmarked originals", "user", user, "id", summary.ID, "error", err)
		}
	}

	group.OriginalIDs = memoryIDs(flipped)
	return group, nil
}

func summaryMetadata(category string, members []types.MemoryItem, now time.Time) map[string]any {
	start, end := members[0].CreatedAt, members[0].CreatedAt
	for _, m := range members[1:] {
		if m.CreatedAt.Before(start) {
			start = m.CreatedAt
		}
		if m.CreatedAt.After(end) {
			end = m.CreatedAt
		}
	}
	return map[string]any{
		"original_ids":    memoryIDs(members),
		"original_count":  len(members),
		"source_category": category,
		"compressed_at":   now.UTC().Format(time.RFC3339),
		"date_range": map[string]any{
			"start": start.UTC().Format(time.RFC3339),
			"end":   end.UTC().Format(time.RFC3339),
		},
	}
}

func memoryIDs(items []types.MemoryItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}
