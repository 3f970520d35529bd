package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// stopwords excluded from keyword postings. Short function words carry no
// retrieval signal and would blow up the posting lists.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "about": {}, "from": {},
	"have": {}, "has": {}, "was": {}, "were": {}, "are": {}, "been": {},
	"you": {}, "your": {}, "they": {}, "their": {}, "its": {}, "can": {},
	"will": {}, "would": {}, "should": {}, "could": {}, "into": {}, "over": {},
	"than": {}, "then": {}, "how": {}, "why": {}, "who": {}, "not": {},
}

// Tokenize lowercases text and splits it into index terms, dropping
// punctuation, stopwords, and tokens shorter than three runes.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// KeywordIndex maps index terms to posting bitmaps of entry ids. Retrieval
// ranks entries by the number of query terms they share.
type KeywordIndex struct {
	mu       sync.RWMutex
	postings map[string]*roaring.Bitmap
}

// NewKeywordIndex creates an empty keyword index.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{postings: make(map[string]*roaring.Bitmap)}
}

// Add indexes every term of text under the given entry id.
func (ix *KeywordIndex) Add(id uint32, text string) {
	terms := Tokenize(text)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, term := range terms {
		bm, ok := ix.postings[term]
		if !ok {
			bm = roaring.New()
			ix.postings[term] = bm
		}
		bm.Add(id)
	}
}

// Remove drops the entry id from every posting of text's terms. Used when an
// entry is overwritten or expired so stale terms stop matching.
func (ix *KeywordIndex) Remove(id uint32, text string) {
	terms := Tokenize(text)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, term := range terms {
		bm, ok := ix.postings[term]
		if !ok {
			continue
		}
		bm.Remove(id)
		if bm.IsEmpty() {
			delete(ix.postings, term)
		}
	}
}

// Query returns up to limit entry ids ranked by term overlap with the query
// text, highest overlap first, ties broken by ascending id. Entries sharing
// no term are never returned.
func (ix *KeywordIndex) Query(text string, limit int) []uint32 {
	terms := Tokenize(text)
	if len(terms) == 0 || limit <= 0 {
		return nil
	}

	overlap := make(map[uint32]int)
	ix.mu.RLock()
	for _, term := range terms {
		bm, ok := ix.postings[term]
		if !ok {
			continue
		}
		it := bm.Iterator()
		for it.HasNext() {
			overlap[it.Next()]++
		}
	}
	ix.mu.RUnlock()

	if len(overlap) == 0 {
		return nil
	}

	type hit struct {
		id    uint32
		count int
	}
	hits := make([]hit, 0, len(overlap))
	for id, count := range overlap {
		hits = append(hits, hit{id: id, count: count})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].count != hits[j].count {
			return hits[i].count > hits[j].count
		}
		return hits[i].id < hits[j].id
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]uint32, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}

// Terms reports the number of distinct indexed terms.
func (ix *KeywordIndex) Terms() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.postings)
}
