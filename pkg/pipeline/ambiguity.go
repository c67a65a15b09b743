package pipeline

import (
	"errors"
	"math"
	"sort"

	"github.com/malbeclabs/querypilot/pkg/conversation"
)

const (
	DefaultAmbiguityMargin = 0.05

	// absorbs float noise so that scores exactly margin apart tie
	scoreEpsilon = 1e-9
)

var ErrNoCandidates = errors.New("no table candidates")

// Resolution is the outcome of the tie-break over ranked candidates. Exactly
// one of Resolved and Ambiguous is set.
type Resolution struct {
	Ranked    []conversation.TableCandidate
	Resolved  *conversation.TableCandidate
	Ambiguous []conversation.TableCandidate
}

// RankCandidates returns candidates ordered by score, highest first. Equal
// scores are ordered by data source and table id so the order is stable
// across runs.
func RankCandidates(candidates []conversation.TableCandidate) []conversation.TableCandidate {
	ranked := make([]conversation.TableCandidate, len(candidates))
	copy(ranked, candidates)
	for i := range ranked {
		if math.IsNaN(ranked[i].Score) {
			ranked[i].Score = 0
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DataSourceID != b.DataSourceID {
			return a.DataSourceID < b.DataSourceID
		}
		return a.TableID < b.TableID
	})
	return ranked
}

// ResolveCandidates applies the tie-break: every candidate within margin of
// the top score is ambiguous, and a lone top candidate is resolved no matter
// how low its score is.
func ResolveCandidates(candidates []conversation.TableCandidate, margin float64) (Resolution, error) {
	if len(candidates) == 0 {
		return Resolution{}, ErrNoCandidates
	}
	if margin < 0 {
		margin = 0
	}
	ranked := RankCandidates(candidates)
	top := ranked[0].Score
	n := 1
	for n < len(ranked) && ranked[n].Score >= top-margin-scoreEpsilon {
		n++
	}
	res := Resolution{Ranked: ranked}
	if n == 1 {
		resolved := ranked[0]
		res.Resolved = &resolved
		return res, nil
	}
	res.Ambiguous = ranked[:n]
	return res, nil
}
