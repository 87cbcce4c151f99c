package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanRole(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"marker with bilingual and brackets", "饰 凯文 Kevin (voice) [s1]", "凯文"},
		{"english as prefix", "as Kevin (voice)", "Kevin"},
		{"placeholder preserved", "演员", "演员"},
		{"voice placeholder preserved", "配音", "配音"},
		{"trailing marker", "凯文饰演", "凯文"},
		{"fullwidth brackets", "国王（配音）", "国王"},
		{"plain latin untouched", "Detective Miller", "Detective Miller"},
		{"bilingual with interpunct", "凯文·史派西 Kevin Spacey", "凯文·史派西"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanRole(tt.input))
		})
	}
}

func TestChooseRole(t *testing.T) {
	tests := []struct {
		name      string
		local     string
		candidate string
		expected  string
	}{
		{"cjk candidate wins", "Kevin", "凯文", "凯文"},
		{"cjk local beats latin candidate", "凯文", "Kevin", "凯文"},
		{"placeholder candidate loses to cjk local", "凯文", "演员", "凯文"},
		{"non-placeholder beats placeholder", "演员", "Kevin", "Kevin"},
		{"placeholder survives when alone", "演员", "", "演员"},
		{"candidate preferred on tie", "Miller", "Holden", "Holden"},
		{"both empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ChooseRole(tt.local, tt.candidate))
		})
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, NormalizeName("Renée Zellweger"), NormalizeName("renee zellweger"))
	assert.Equal(t, "keanureeves", NormalizeName("Keanu  Reeves"))
	assert.Equal(t, NormalizeName("J.K. Simmons"), NormalizeName("JK Simmons"))
	assert.Equal(t, "周星驰", NormalizeName("周星驰"))
	assert.NotEqual(t, NormalizeName("Chris Evans"), NormalizeName("Chris Pine"))
}

func TestIsShortUppercaseToken(t *testing.T) {
	assert.True(t, IsShortUppercaseToken("MJ"))
	assert.True(t, IsShortUppercaseToken("Q"))
	assert.False(t, IsShortUppercaseToken("Mr"))
	assert.False(t, IsShortUppercaseToken("ABC"))
	assert.False(t, IsShortUppercaseToken(""))
	assert.False(t, IsShortUppercaseToken("凯"))
}

func TestScoreCast(t *testing.T) {
	cjk := func(n int) []ScoredActor {
		actors := make([]ScoredActor, n)
		for i := range actors {
			actors[i] = ScoredActor{Name: "张伟", Role: "警察"}
		}
		return actors
	}

	t.Run("perfect full cast", func(t *testing.T) {
		score := ScoreCast(cjk(12), ScoreOptions{})
		assert.InDelta(t, 10.0, score, 0.001)
	})

	t.Run("small cast penalized", func(t *testing.T) {
		score := ScoreCast(cjk(5), ScoreOptions{})
		assert.InDelta(t, 5.0, score, 0.001)
	})

	t.Run("empty cast scores zero", func(t *testing.T) {
		assert.Equal(t, 0.0, ScoreCast(nil, ScoreOptions{}))
	})

	t.Run("empty animation gets baseline", func(t *testing.T) {
		score := ScoreCast(nil, ScoreOptions{AnimationOrDocumentary: true})
		assert.Equal(t, emptyAnimationBaseline, score)
	})

	t.Run("animation skips size penalty", func(t *testing.T) {
		score := ScoreCast(cjk(3), ScoreOptions{AnimationOrDocumentary: true})
		assert.InDelta(t, 10.0, score, 0.001)
	})

	t.Run("untranslated cast scores low", func(t *testing.T) {
		actors := make([]ScoredActor, 12)
		for i := range actors {
			actors[i] = ScoredActor{Name: "John Doe", Role: "Detective"}
		}
		score := ScoreCast(actors, ScoreOptions{})
		assert.InDelta(t, 1.5, score, 0.001)
	})

	t.Run("placeholder roles score between", func(t *testing.T) {
		actors := make([]ScoredActor, 12)
		for i := range actors {
			actors[i] = ScoredActor{Name: "张伟", Role: "演员"}
		}
		score := ScoreCast(actors, ScoreOptions{})
		assert.InDelta(t, 7.5, score, 0.001)
	})

	t.Run("more cjk never lowers score", func(t *testing.T) {
		mixed := []ScoredActor{
			{Name: "张伟", Role: "警察"},
			{Name: "John Doe", Role: "Detective"},
		}
		better := []ScoredActor{
			{Name: "张伟", Role: "警察"},
			{Name: "李娜", Role: "医生"},
		}
		assert.GreaterOrEqual(t, ScoreCast(better, ScoreOptions{}), ScoreCast(mixed, ScoreOptions{}))
	})

	t.Run("expected count shortfall penalized", func(t *testing.T) {
		full := ScoreCast(cjk(12), ScoreOptions{ExpectedCount: 12})
		short := ScoreCast(cjk(12), ScoreOptions{ExpectedCount: 30})
		assert.Greater(t, full, short)
	})
}
