// Package citation resolves inline [n] reference markers in answer text
// against a turn's evidence manifest.
package citation

import (
	"github.com/user/recall/internal/types"
)

// maxMarkerDigits bounds how many digits a marker may carry. Anything
// longer is prose, not a citation.
const maxMarkerDigits = 4

// Scanner is a small lexical state machine that finds complete [n] markers
// in text fed to it incrementally. State survives between Feed calls, so a
// marker split across two fragments ("...see [1" + "] for...") is still
// recognized once its closing bracket arrives.
//
// A marker only produces a citation when its integer matches a rank index
// in the manifest; anything else is left as literal text. Each rank yields
// at most one citation per turn, in first-occurrence order.
type Scanner struct {
	byRank map[int]types.EvidenceDocument
	seen   map[int]bool

	inMarker bool
	value    int
	digits   int
}

// NewScanner creates a Scanner for one turn's evidence manifest.
func NewScanner(manifest []types.EvidenceDocument) *Scanner {
	byRank := make(map[int]types.EvidenceDocument, len(manifest))
	for _, doc := range manifest {
		byRank[doc.RankIndex] = doc
	}
	return &Scanner{
		byRank: byRank,
		seen:   make(map[int]bool),
	}
}

// Feed scans the next chunk of answer text and returns the citations whose
// markers completed within it.
func (s *Scanner) Feed(text string) []types.Citation {
	var found []types.Citation
	for i := 0; i < len(text); i++ {
		b := text[i]
		if !s.inMarker {
			if b == '[' {
				s.inMarker = true
				s.value = 0
				s.digits = 0
			}
			continue
		}
		switch {
		case b >= '0' && b <= '9':
			s.digits++
			if s.digits > maxMarkerDigits {
				s.reset()
				continue
			}
			s.value = s.value*10 + int(b-'0')
		case b == ']' && s.digits > 0:
			if cit, ok := s.resolve(s.value); ok {
				found = append(found, cit)
			}
			s.reset()
		case b == '[':
			// Restart: "[[1]" still resolves the inner marker.
			s.value = 0
			s.digits = 0
		default:
			s.reset()
		}
	}
	return found
}

func (s *Scanner) reset() {
	s.inMarker = false
	s.value = 0
	s.digits = 0
}

func (s *Scanner) resolve(rank int) (types.Citation, bool) {
	doc, ok := s.byRank[rank]
	if !ok || s.seen[rank] {
		return types.Citation{}, false
	}
	s.seen[rank] = true
	return types.Citation{
		RankIndex:  rank,
		DocumentID: doc.ID,
		Author:     doc.Author,
		SourceURL:  doc.SourceURL,
	}, true
}

// Resolve scans finalized answer text in one pass.
func Resolve(text string, manifest []types.EvidenceDocument) []types.Citation {
	return NewScanner(manifest).Feed(text)
}
