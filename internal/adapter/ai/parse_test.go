package ai_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/resello/inspect3d/internal/adapter/ai"
	"github.com/resello/inspect3d/internal/domain"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare json", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"plain fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"fence with prose", "분석 결과입니다.\n```json\n{\"a\":1}\n```\n이상입니다.", `{"a":1}`},
		{"unterminated fence", "```json\n{\"a\":1}", `{"a":1}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ai.ExtractJSON(tc.in))
		})
	}
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	t.Run("full response", func(t *testing.T) {
		t.Parallel()
		raw := `{
			"defects": [{"type":"스크래치","severity":"중","location":"우상단","description":"3cm 스크래치","confidence":0.92}],
			"overall_condition": "B",
			"recommended_price_adjustment": -15,
			"analysis_confidence": 0.88
		}`
		v := ai.ParseVerdict(raw)
		assert.False(t, v.Defaulted)
		assert.Equal(t, domain.CondB, v.Condition)
		assert.Equal(t, -15, v.PriceAdjustment)
		assert.InDelta(t, 0.88, v.Confidence, 1e-9)
		assert.Len(t, v.Defects, 1)
	})

	t.Run("garbage yields fallback", func(t *testing.T) {
		t.Parallel()
		v := ai.ParseVerdict("the model wrote prose instead of json")
		assert.True(t, v.Defaulted)
		assert.Equal(t, domain.CondC, v.Condition)
		assert.Equal(t, -20, v.PriceAdjustment)
		assert.InDelta(t, 0.5, v.Confidence, 1e-9)
		assert.NotNil(t, v.Defects)
		assert.Empty(t, v.Defects)
	})

	t.Run("missing fields get defaults", func(t *testing.T) {
		t.Parallel()
		v := ai.ParseVerdict(`{"overall_condition":"A"}`)
		assert.False(t, v.Defaulted)
		assert.Equal(t, domain.CondA, v.Condition)
		assert.Equal(t, -20, v.PriceAdjustment)
		assert.InDelta(t, 0.8, v.Confidence, 1e-9)
		assert.NotNil(t, v.Defects)
	})

	t.Run("invalid grade falls back to C", func(t *testing.T) {
		t.Parallel()
		v := ai.ParseVerdict(`{"overall_condition":"Z","recommended_price_adjustment":0}`)
		assert.Equal(t, domain.CondC, v.Condition)
		assert.Equal(t, 0, v.PriceAdjustment)
	})

	t.Run("zero adjustment is preserved", func(t *testing.T) {
		t.Parallel()
		v := ai.ParseVerdict(`{"overall_condition":"S","recommended_price_adjustment":0,"analysis_confidence":0.95}`)
		assert.Equal(t, 0, v.PriceAdjustment)
		assert.InDelta(t, 0.95, v.Confidence, 1e-9)
	})
}

func TestTrimWrappingQuotes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "가죽 가방입니다.", ai.TrimWrappingQuotes(`"가죽 가방입니다."`))
	assert.Equal(t, "가죽 가방입니다.", ai.TrimWrappingQuotes(`'가죽 가방입니다.'`))
	assert.Equal(t, `내부 "포켓" 포함`, ai.TrimWrappingQuotes(`내부 "포켓" 포함`))
	assert.Equal(t, "", ai.TrimWrappingQuotes("  "))
}
