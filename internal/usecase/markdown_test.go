package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/resello/inspect3d/internal/domain"
)

var fixedNow = time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC)

func TestRenderSummaryMarkdownWithDefects(t *testing.T) {
	t.Parallel()
	in := SummaryInput{
		Condition:       domain.CondA,
		PriceAdjustment: -5,
		Verdicts: []domain.ImageVerdict{
			{Defects: []domain.Defect{{
				Type: "스크래치", Severity: "경미", Location: "왼쪽 측면",
				Description: "5cm 길이의 표면 스크래치",
			}}},
			{},
		},
		Analyzed:  2,
		ModelName: "claude-3-5-haiku-latest",
		Now:       fixedNow,
	}
	md := RenderSummaryMarkdown(in)

	assert.Contains(t, md, "# 결함 분석 결과")
	assert.Contains(t, md, "**전체 상태 등급**: A - 우수 (미세한 사용감)")
	assert.Contains(t, md, "**발견된 결함**: 1건")
	assert.Contains(t, md, "## 🔍 발견된 결함")
	assert.Contains(t, md, "1. **스크래치** (경미) - 왼쪽 측면")
	assert.Contains(t, md, "   - 5cm 길이의 표면 스크래치")
	assert.Contains(t, md, "*분석 모델: claude-3-5-haiku-latest*")
	assert.Contains(t, md, "*분석 일시: 2025-11-03 09:30:00 UTC*")
	assert.NotContains(t, md, "⚠️")
}

func TestRenderSummaryMarkdownNoDefects(t *testing.T) {
	t.Parallel()
	in := SummaryInput{
		Condition: domain.CondS,
		Verdicts:  []domain.ImageVerdict{{}, {}},
		Analyzed:  2,
		ModelName: "claude-3-5-haiku-latest",
		Now:       fixedNow,
	}
	md := RenderSummaryMarkdown(in)

	assert.Contains(t, md, "**발견된 결함**: 0건")
	assert.Contains(t, md, "## ✅ 결함 없음")
	assert.Contains(t, md, "분석한 이미지에서 특별한 결함이 발견되지 않았습니다.")
}

func TestRenderSummaryMarkdownWarningBlock(t *testing.T) {
	t.Parallel()
	in := SummaryInput{
		Condition: domain.CondB,
		Verdicts:  []domain.ImageVerdict{{}},
		Analyzed:  10,
		Failed:    2,
		Skipped:   8,
		TimedOut:  true,
		ModelName: "claude-3-5-haiku-latest",
		Now:       fixedNow,
	}
	md := RenderSummaryMarkdown(in)

	assert.Contains(t, md, "⚠️ **주의**: 처리 시간 제한으로 인해 일부 이미지만 분석되었습니다.")
	assert.Contains(t, md, "- 전체 이미지: 20장")
	assert.Contains(t, md, "- 분석 완료: 10장")
	assert.Contains(t, md, "- 분석 실패: 2장")
	assert.Contains(t, md, "- 시간 초과로 미분석: 8장")
}

func TestRenderSummaryMarkdownDeterministic(t *testing.T) {
	t.Parallel()
	in := SummaryInput{
		Condition: domain.CondB,
		Verdicts:  []domain.ImageVerdict{verdictWith(domain.CondB, -15, 2)},
		Analyzed:  1,
		ModelName: "claude-3-5-haiku-latest",
		Now:       fixedNow,
	}
	assert.Equal(t, RenderSummaryMarkdown(in), RenderSummaryMarkdown(in))
}

func TestRenderErrorMarkdown(t *testing.T) {
	t.Parallel()
	md := RenderErrorMarkdown(ErrorInput{
		TotalImages: 3,
		Processed:   3,
		Failed:      3,
		TimedOut:    false,
		Now:         fixedNow,
	})

	assert.Contains(t, md, "❌ **분석 실패**: 모든 이미지 분석에 실패했습니다.")
	assert.Contains(t, md, "- 전체 이미지: 3장")
	assert.Contains(t, md, "- 처리 시도: 3장")
	assert.Contains(t, md, "- 분석 실패: 3장")
	assert.Contains(t, md, "**권장 조치**:")
	assert.Contains(t, md, "1. 이미지 수를 줄여서 다시 시도해보세요 (권장: 10-20장)")
	assert.NotContains(t, md, "원인")
}

func TestRenderErrorMarkdownTimedOut(t *testing.T) {
	t.Parallel()
	md := RenderErrorMarkdown(ErrorInput{
		TotalImages: 30,
		Skipped:     30,
		TimedOut:    true,
		Now:         fixedNow,
	})
	assert.Contains(t, md, "⚠️ **원인**: 처리 시간 제한 (90초) 초과")
	assert.Contains(t, md, "- 시간 초과로 미분석: 30장")
}
