package asset

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/investotype/sim-engine/internal/model"
)

// MaxMatches is the number of ranked candidates returned alongside the best.
const MaxMatches = 5

// Scoring weights for name resolution.
const (
	scoreExactSymbol    = 1200
	scoreSymbolPrefix   = 500
	scoreNamePrefix     = 340
	scoreContains       = 220
	penaltyPerEdit      = 10
	scoreLongFirstCorp  = 130
	scoreLongFirstWord  = 25
	scoreShortFirstCorp = 110
	scoreShortFirstWord = 20
	scorePreferredType  = 30
	scoreBondVocabulary = 140
)

var corpSuffixes = map[string]bool{
	"inc": true, "corp": true, "corporation": true, "co": true,
	"company": true, "plc": true, "ltd": true, "limited": true,
}

var preferredTypes = map[string]bool{
	"EQUITY": true, "ETF": true, "MUTUALFUND": true, "INDEX": true,
	"CRYPTOCURRENCY": true, "CURRENCY": true, "FUTURE": true,
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9\s]`)

// Searcher is the external symbol-search collaborator.
type Searcher interface {
	Search(ctx context.Context, query string) ([]model.SymbolCandidate, error)
}

// Resolution is the outcome of resolving free text to a symbol.
type Resolution struct {
	Best    model.SymbolCandidate   `json:"best"`
	Matches []model.SymbolCandidate `json:"matches"`
}

// Resolver maps names and tickers to symbols through a Searcher.
type Resolver struct {
	search Searcher
}

// NewResolver creates a Resolver.
func NewResolver(s Searcher) *Resolver {
	return &Resolver{search: s}
}

// Resolve returns ticker-shaped input as-is and sends everything else
// through ResolveByName.
func (r *Resolver) Resolve(ctx context.Context, query string, preferBond bool) (Resolution, error) {
	if IsLikelyTicker(query) {
		return Resolution{Best: model.SymbolCandidate{Symbol: Normalize(query)}, Matches: []model.SymbolCandidate{}}, nil
	}
	return r.ResolveByName(ctx, query, preferBond)
}

// ResolveByName ranks search candidates for a free-text query. Ties keep
// the provider's order.
func (r *Resolver) ResolveByName(ctx context.Context, query string, preferBond bool) (Resolution, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return Resolution{}, fmt.Errorf("%w: query is required", model.ErrInvalidRequest)
	}
	candidates, err := r.search.Search(ctx, q)
	if err != nil {
		return Resolution{}, fmt.Errorf("search %q: %w", q, err)
	}
	if len(candidates) == 0 {
		return Resolution{}, fmt.Errorf("%w for %q", model.ErrNoMatch, q)
	}

	type scored struct {
		c     model.SymbolCandidate
		score int
	}
	ranked := make([]scored, len(candidates))
	for i, c := range candidates {
		ranked[i] = scored{c: c, score: Score(q, c, preferBond)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	n := min(MaxMatches, len(ranked))
	matches := make([]model.SymbolCandidate, n)
	for i := range n {
		matches[i] = ranked[i].c
	}
	return Resolution{Best: ranked[0].c, Matches: matches}, nil
}

// Score rates how well a search candidate matches a query. Higher is better.
func Score(query string, c model.SymbolCandidate, preferBond bool) int {
	q := NormalizeText(query)
	symbol := NormalizeText(c.Symbol)
	short := NormalizeText(c.ShortName)
	long := NormalizeText(c.LongName)
	combined := strings.TrimSpace(symbol + " " + short + " " + long)

	score := 0
	if symbol == q {
		score += scoreExactSymbol
	}
	if strings.HasPrefix(symbol, q) {
		score += scoreSymbolPrefix
	}
	if strings.HasPrefix(short, q) || strings.HasPrefix(long, q) {
		score += scoreNamePrefix
	}
	if strings.Contains(combined, q) {
		score += scoreContains
	}
	score -= Levenshtein(q, symbol) * penaltyPerEdit

	if qWords := strings.Fields(q); len(qWords) == 1 {
		score += firstWordBonus(qWords[0], strings.Fields(long), scoreLongFirstCorp, scoreLongFirstWord)
		score += firstWordBonus(qWords[0], strings.Fields(short), scoreShortFirstCorp, scoreShortFirstWord)
	}

	if preferredTypes[strings.ToUpper(c.QuoteType)] {
		score += scorePreferredType
	}

	if preferBond {
		names := short + " " + long
		if strings.Contains(names, "bond") || strings.Contains(names, "treasury") || strings.Contains(names, "fixed income") {
			score += scoreBondVocabulary
		}
	}
	return score
}

func firstWordBonus(word string, name []string, corp, plain int) int {
	if len(name) == 0 || name[0] != word {
		return 0
	}
	if len(name) > 1 && corpSuffixes[name[1]] {
		return corp
	}
	return plain
}

// NormalizeText lower-cases s, replaces punctuation with spaces and
// collapses runs of whitespace.
func NormalizeText(s string) string {
	s = nonAlnum.ReplaceAllString(strings.ToLower(s), " ")
	return strings.Join(strings.Fields(s), " ")
}

// Levenshtein returns the edit distance between the normalized forms of a and b.
func Levenshtein(a, b string) int {
	s, t := NormalizeText(a), NormalizeText(b)
	if s == "" {
		return len(t)
	}
	if t == "" {
		return len(s)
	}
	prev := make([]int, len(t)+1)
	curr := make([]int, len(t)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(s); i++ {
		curr[0] = i
		for j := 1; j <= len(t); j++ {
			cost := 1
			if s[i-1] == t[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(t)]
}

// Enrich fills display metadata from symbol search. Market and bond assets
// take the provider's name; derived assets keep their label and append it.
// Lookup failures keep the parsed metadata.
func Enrich(ctx context.Context, s Searcher, desc model.AssetDescriptor) model.AssetDescriptor {
	if s == nil || desc.Type.Synthetic() {
		return desc
	}
	lookup := desc.LookupSymbol()
	candidates, err := s.Search(ctx, lookup)
	if err != nil {
		slog.Warn("asset metadata lookup failed", "symbol", lookup, "err", err)
		return desc
	}
	if len(candidates) == 0 {
		return desc
	}
	match := candidates[0]
	for _, c := range candidates {
		if Normalize(c.Symbol) == lookup {
			match = c
			break
		}
	}

	name := match.Name()
	if name == "" {
		name = lookup
	}
	desc.LogoURL = match.LogoURL
	switch desc.Type {
	case model.AssetMarket, model.AssetBond:
		desc.Label = name
		desc.DisplayName = name
	default:
		desc.DisplayName = fmt.Sprintf("%s (%s)", desc.Label, name)
	}
	return desc
}
