package identity

// ScoredActor is the minimal view of a processed cast entry the
// quality score needs.
type ScoredActor struct {
	Name string
	Role string
}

// ScoreOptions carries the context factors of a cast score.
type ScoreOptions struct {
	// AnimationOrDocumentary disables the cast-size penalty and grants
	// an empty-cast baseline.
	AnimationOrDocumentary bool
	// ExpectedCount is the provider-side cast size, when known.
	ExpectedCount int
	// OriginalCount is the pre-processing cast size.
	OriginalCount int
}

// emptyAnimationBaseline is the score an animated item receives when it
// legitimately has no cast.
const emptyAnimationBaseline = 7.0

// ScoreCast computes the 0.0-10.0 quality score of a processed cast list.
//
// Per actor: a CJK name is worth 5.0 (1.0 for any other non-empty name);
// a CJK non-placeholder role 5.0, a CJK placeholder 2.5, anything else
// 0.5. The per-actor values are averaged, then a size penalty applies
// unless the item is an animation or documentary.
func ScoreCast(actors []ScoredActor, opts ScoreOptions) float64 {
	if len(actors) == 0 {
		if opts.AnimationOrDocumentary {
			return emptyAnimationBaseline
		}
		return 0.0
	}

	var total float64
	for _, a := range actors {
		var s float64
		if ContainsCJK(a.Name) {
			s += 5.0
		} else if a.Name != "" {
			s += 1.0
		}

		switch {
		case ContainsCJK(a.Role) && !IsPlaceholderRole(a.Role):
			s += 5.0
		case ContainsCJK(a.Role) && IsPlaceholderRole(a.Role):
			s += 2.5
		default:
			s += 0.5
		}

		total += s
	}

	score := total / float64(len(actors))

	if !opts.AnimationOrDocumentary {
		count := float64(len(actors))
		switch {
		case count < 10:
			score *= count / 10.0
		case opts.ExpectedCount > 0 && count < 0.8*float64(opts.ExpectedCount):
			score *= count / float64(opts.ExpectedCount)
		case opts.OriginalCount > 0 && count < 0.8*float64(opts.OriginalCount):
			score *= count / float64(opts.OriginalCount)
		}
	}

	if score > 10.0 {
		score = 10.0
	}
	if score < 0.0 {
		score = 0.0
	}
	return score
}
