// Package reconcile decides whether a proposed expense insertion is
// really a correction of a just-created record.
//
// The resolver is deliberately conservative: it proposes an update only
// when the best candidate both scores above the configured threshold
// and the utterance carries linguistic correction evidence (a marker
// phrase or an explicit record reference). Everything else — ties,
// weak similarity, no marker — falls through to insert, which can at
// worst duplicate a record but never destroys one.
package reconcile

import (
	"regexp"
	"strings"
	"time"
)

// Proposal is an expense insertion as proposed by the planner.
type Proposal struct {
	Category    string
	Amount      float64
	Description string
}

// Candidate is a recently created expense record belonging to the same
// user, considered for in-place update.
type Candidate struct {
	RecordID    string
	Category    string
	Amount      float64
	Description string
	CreatedAt   time.Time
}

// Directive is the resolver's output: insert a new record, or update an
// existing one.
type Directive struct {
	Update   bool
	RecordID string
}

// Insert is the directive for creating a new record.
func Insert() Directive {
	return Directive{}
}

// Update is the directive for correcting an existing record.
func Update(recordID string) Directive {
	return Directive{Update: true, RecordID: recordID}
}

// recordRef matches an explicit record reference like "#3f9a21" or
// "expense #12" in an utterance.
var recordRef = regexp.MustCompile(`#[0-9A-Za-z]+`)

// Resolver applies the insert-vs-update policy. Thresholds and marker
// phrases are tunable policy inputs, not constants.
type Resolver struct {
	threshold float64
	window    time.Duration
	markers   []string

	now func() time.Time // test seam
}

// NewResolver creates a resolver with the given similarity threshold,
// recency window, and correction marker phrases.
func NewResolver(threshold float64, window time.Duration, markers []string) *Resolver {
	lowered := make([]string, len(markers))
	for i, m := range markers {
		lowered[i] = strings.ToLower(m)
	}
	return &Resolver{
		threshold: threshold,
		window:    window,
		markers:   lowered,
		now:       time.Now,
	}
}

// Window returns the configured recency window, for callers that gather
// candidates.
func (r *Resolver) Window() time.Duration {
	return r.window
}

// Resolve scores the proposal against each candidate and returns a
// directive. Candidates outside the recency window or with a different
// category never merge.
func (r *Resolver) Resolve(p Proposal, utterance string, candidates []Candidate) Directive {
	if len(candidates) == 0 {
		return Insert()
	}

	if !r.hasCorrectionEvidence(utterance) {
		return Insert()
	}

	now := r.now()
	best := Insert()
	bestScore := 0.0

	for _, c := range candidates {
		age := now.Sub(c.CreatedAt)
		if age < 0 || age > r.window {
			continue
		}
		// Category equality is a hard gate.
		if !strings.EqualFold(strings.TrimSpace(p.Category), strings.TrimSpace(c.Category)) {
			continue
		}

		score := r.score(p, c, age)
		// Strictly greater: on a tie the earlier (more recent, since
		// candidates arrive newest first) winner stands.
		if score > bestScore {
			bestScore = score
			best = Update(c.RecordID)
		}
	}

	if !best.Update || bestScore < r.threshold {
		return Insert()
	}
	return best
}

// score combines category match (the entry fee), description token
// overlap, and recency. Weights sum to 1.
func (r *Resolver) score(p Proposal, c Candidate, age time.Duration) float64 {
	const (
		categoryWeight = 0.5
		overlapWeight  = 0.3
		recencyWeight  = 0.2
	)

	score := categoryWeight // category already matched

	score += overlapWeight * tokenOverlap(p.Description, c.Description)

	recency := 1.0 - float64(age)/float64(r.window)
	if recency < 0 {
		recency = 0
	}
	score += recencyWeight * recency

	return score
}

// hasCorrectionEvidence reports whether the utterance contains a
// correction marker phrase or an explicit record reference.
func (r *Resolver) hasCorrectionEvidence(utterance string) bool {
	lowered := strings.ToLower(utterance)
	for _, m := range r.markers {
		if strings.Contains(lowered, m) {
			return true
		}
	}
	return recordRef.MatchString(utterance)
}

// tokenOverlap returns the fraction of shared lowercase tokens between
// two descriptions. Two empty descriptions count as a full match — the
// records are equally undescribed.
func tokenOverlap(a, b string) float64 {
	ta := tokenize(a)
	tb := tokenize(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	set := make(map[string]bool, len(ta))
	for _, tok := range ta {
		set[tok] = true
	}

	shared := 0
	for _, tok := range tb {
		if set[tok] {
			shared++
		}
	}

	union := len(set)
	for _, tok := range tb {
		if !set[tok] {
			union++
		}
	}

	return float64(shared) / float64(union)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}
