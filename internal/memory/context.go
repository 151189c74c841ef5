// Package memory is the Memory/Context contract external collaborator:
// given a conversation and the current message, assemble the ordered
// {role, content} list fed to the model, windowed and truncated to a token
// budget, with keyword-matched earlier turns and (if wired) C13's
// embedding-based long-term recall merged in. No single reference file owns
// this shape; grounded on the windowSize/maxTokens style of config fields
// carried by reference agent configs, generalized into its own contract
// since this service's windowing/truncation policy is richer than anything
// in the pack.
package memory

import (
	"context"
	"strings"

	"streamorch/internal/messagerepo"
)

// Entry is one turn handed to the model. MessageID is set for entries
// sourced from persisted messages (window, keyword match, recall) so the
// merge step can deduplicate; it is empty for the synthetic system/current
// entries.
type Entry struct {
	MessageID string
	Role      string
	Content   string
}

// Config controls context assembly.
type Config struct {
	WindowSize         int
	MaxTokens          int
	EnableKeywordMatch bool
	KeywordMatchCount  int
}

// Recaller surfaces long-term-memory entries relevant to a query, scoped to
// a conversation/user. C13 (internal/longtermmemory) implements this; nil
// means long-term recall is not wired up, and keyword match alone is used.
type Recaller interface {
	Recall(ctx context.Context, conversationID, userID, query string, limit int) ([]Entry, error)
}

// Builder assembles context windows for C6/C7/C8.
type Builder struct {
	repo     messagerepo.Repository
	recaller Recaller
}

func NewBuilder(repo messagerepo.Repository, recaller Recaller) *Builder {
	return &Builder{repo: repo, recaller: recaller}
}

// estimateTokens uses the chars/3 heuristic: cheap, backend-agnostic, and
// consistently over-estimates short turns, which biases truncation toward
// keeping fewer rather than more entries — the safer failure direction.
func estimateTokens(s string) int {
	return (len(s) + 2) / 3
}

// Build returns the ordered context: system prompt, then windowed/recalled
// history, terminating in the current user message. System prompt and the
// current message are always preserved; everything else is dropped once
// the token budget is exceeded, oldest first.
func (b *Builder) Build(ctx context.Context, conversationID, userID, currentMessage, systemPrompt string, cfg Config) ([]Entry, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}

	var fixed []Entry
	if systemPrompt != "" {
		fixed = append(fixed, Entry{Role: "system", Content: systemPrompt})
	}
	current := Entry{Role: "user", Content: currentMessage}

	budget := cfg.MaxTokens - estimateTokens(systemPrompt) - estimateTokens(currentMessage)
	if budget < 0 {
		budget = 0
	}

	historyScan := cfg.WindowSize + cfg.KeywordMatchCount*10
	if historyScan < 100 {
		historyScan = 100
	}
	allRecent, err := b.repo.RecentMessages(ctx, conversationID, historyScan)
	if err != nil {
		return nil, err
	}
	window := windowOf(allRecent, cfg.WindowSize)

	var older []Entry
	inWindow := make(map[string]struct{}, len(window))
	for _, w := range window {
		if w.MessageID != "" {
			inWindow[w.MessageID] = struct{}{}
		}
	}
	for _, m := range allRecent {
		if _, ok := inWindow[m.MessageID]; ok {
			continue
		}
		older = append(older, Entry{MessageID: m.MessageID, Role: m.Role, Content: m.Content})
	}

	var matched []Entry
	if cfg.EnableKeywordMatch && cfg.KeywordMatchCount > 0 {
		matched = keywordMatch(older, currentMessage, cfg.KeywordMatchCount)
	}

	var recalled []Entry
	if b.recaller != nil && cfg.KeywordMatchCount > 0 {
		recalled, err = b.recaller.Recall(ctx, conversationID, userID, currentMessage, cfg.KeywordMatchCount)
		if err != nil {
			recalled = nil // recall degrades gracefully; it never blocks context assembly
		}
	}

	supplemental := dedupeByMessageID(matched, recalled)
	selected := fitToBudget(supplemental, window, budget)

	out := make([]Entry, 0, len(fixed)+len(selected)+1)
	out = append(out, fixed...)
	out = append(out, selected...)
	out = append(out, current)
	return out, nil
}

func windowOf(all []messagerepo.Message, size int) []Entry {
	start := 0
	if len(all) > size {
		start = len(all) - size
	}
	out := make([]Entry, 0, len(all)-start)
	for _, m := range all[start:] {
		out = append(out, Entry{MessageID: m.MessageID, Role: m.Role, Content: m.Content})
	}
	return out
}

// keywordMatch returns up to limit older entries with the highest word
// overlap against query, preserving original (chronological) order.
func keywordMatch(older []Entry, query string, limit int) []Entry {
	type scored struct {
		entry Entry
		score int
		idx   int
	}
	queryWords := wordSet(query)

	var candidates []scored
	for i, e := range older {
		score := overlap(queryWords, e.Content)
		if score > 0 {
			candidates = append(candidates, scored{entry: e, score: score, idx: i})
		}
	}
	sortByScoreDesc(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	sortByIndexAsc(candidates)

	out := make([]Entry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
	}
	return out
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func overlap(querySet map[string]struct{}, text string) int {
	count := 0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if _, ok := querySet[w]; ok {
			count++
		}
	}
	return count
}

func sortByScoreDesc(s []struct {
	entry Entry
	score int
	idx   int
}) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].score > s[j-1].score; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func sortByIndexAsc(s []struct {
	entry Entry
	score int
	idx   int
}) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].idx < s[j-1].idx; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// dedupeByMessageID merges keyword-matched and recalled entries, keyword
// match taking priority on conflict; entries without a MessageID are never
// treated as duplicates.
func dedupeByMessageID(matched, recalled []Entry) []Entry {
	seen := make(map[string]struct{}, len(matched))
	out := make([]Entry, 0, len(matched)+len(recalled))
	for _, e := range matched {
		if e.MessageID != "" {
			seen[e.MessageID] = struct{}{}
		}
		out = append(out, e)
	}
	for _, e := range recalled {
		if e.MessageID != "" {
			if _, ok := seen[e.MessageID]; ok {
				continue
			}
			seen[e.MessageID] = struct{}{}
		}
		out = append(out, e)
	}
	return out
}

// fitToBudget keeps the most recent window entries first (they are
// prioritized per contract), dropping the oldest window entries first if
// the window alone exceeds budget, then fills any remaining budget with
// supplemental (keyword/recall) entries.
func fitToBudget(supplemental, window []Entry, budget int) []Entry {
	kept := make([]Entry, 0, len(window))
	used := 0
	for i := len(window) - 1; i >= 0; i-- {
		cost := estimateTokens(window[i].Content)
		if used+cost > budget {
			break
		}
		kept = append([]Entry{window[i]}, kept...)
		used += cost
	}

	result := make([]Entry, 0, len(supplemental)+len(kept))
	for _, s := range supplemental {
		cost := estimateTokens(s.Content)
		if used+cost > budget {
			continue
		}
		result = append(result, s)
		used += cost
	}
	result = append(result, kept...)
	return result
}
