package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/resello/inspect3d/internal/domain"
)

const markdownTimeLayout = "2006-01-02 15:04:05 UTC"

// SummaryInput feeds the markdown renderer. The output depends only on the
// fields here, so a fixed clock yields byte-identical markdown.
type SummaryInput struct {
	Condition       domain.Condition
	PriceAdjustment int
	Verdicts        []domain.ImageVerdict
	Analyzed        int
	Failed          int
	Skipped         int
	TimedOut        bool
	ModelName       string
	Now             time.Time
}

// RenderSummaryMarkdown renders the Korean defect report shown to sellers.
func RenderSummaryMarkdown(in SummaryInput) string {
	var md strings.Builder
	md.WriteString("# 결함 분석 결과\n\n")

	if in.TimedOut || in.Skipped > 0 {
		md.WriteString("⚠️ **주의**: 처리 시간 제한으로 인해 일부 이미지만 분석되었습니다.\n\n")
		fmt.Fprintf(&md, "- 전체 이미지: %d장\n", in.Analyzed+in.Failed+in.Skipped)
		fmt.Fprintf(&md, "- 분석 완료: %d장\n", in.Analyzed)
		if in.Failed > 0 {
			fmt.Fprintf(&md, "- 분석 실패: %d장\n", in.Failed)
		}
		if in.Skipped > 0 {
			fmt.Fprintf(&md, "- 시간 초과로 미분석: %d장\n", in.Skipped)
		}
		md.WriteString("\n")
	}

	fmt.Fprintf(&md, "**전체 상태 등급**: %s - %s\n\n", in.Condition, in.Condition.Label())

	var defects []domain.Defect
	for _, v := range in.Verdicts {
		defects = append(defects, v.Defects...)
	}
	fmt.Fprintf(&md, "**발견된 결함**: %d건\n\n", len(defects))

	if len(defects) == 0 {
		md.WriteString("## ✅ 결함 없음\n\n")
		md.WriteString("분석한 이미지에서 특별한 결함이 발견되지 않았습니다.\n")
	} else {
		md.WriteString("## 🔍 발견된 결함\n\n")
		for i, d := range defects {
			fmt.Fprintf(&md, "%d. **%s** (%s) - %s\n", i+1, d.Type, d.Severity, d.Location)
			fmt.Fprintf(&md, "   - %s\n\n", d.Description)
		}
	}

	md.WriteString("---\n\n")
	fmt.Fprintf(&md, "*분석 모델: %s*\n\n", in.ModelName)
	fmt.Fprintf(&md, "*분석 일시: %s*\n", in.Now.UTC().Format(markdownTimeLayout))
	return md.String()
}

// ErrorInput feeds the failure-report renderer used when no image produced a
// verdict.
type ErrorInput struct {
	TotalImages int
	Processed   int
	Failed      int
	Skipped     int
	TimedOut    bool
	Now         time.Time
}

// RenderErrorMarkdown renders the all-images-failed report: counts, cause,
// and the actions a seller can take.
func RenderErrorMarkdown(in ErrorInput) string {
	var md strings.Builder
	md.WriteString("# 결함 분석 결과\n\n")
	md.WriteString("❌ **분석 실패**: 모든 이미지 분석에 실패했습니다.\n\n")

	if in.TimedOut {
		md.WriteString("⚠️ **원인**: 처리 시간 제한 (90초) 초과\n\n")
	}

	md.WriteString("**상태 정보**:\n")
	fmt.Fprintf(&md, "- 전체 이미지: %d장\n", in.TotalImages)
	fmt.Fprintf(&md, "- 처리 시도: %d장\n", in.Processed)
	fmt.Fprintf(&md, "- 분석 실패: %d장\n", in.Failed)
	if in.Skipped > 0 {
		fmt.Fprintf(&md, "- 시간 초과로 미분석: %d장\n", in.Skipped)
	}

	md.WriteString("\n**권장 조치**:\n")
	md.WriteString("1. 이미지 수를 줄여서 다시 시도해보세요 (권장: 10-20장)\n")
	md.WriteString("2. 이미지 파일 크기를 확인해보세요 (권장: 5MB 이하)\n")
	md.WriteString("3. S3 경로가 올바른지 확인해보세요\n\n")

	md.WriteString("---\n\n")
	fmt.Fprintf(&md, "*분석 일시: %s*\n", in.Now.UTC().Format(markdownTimeLayout))
	return md.String()
}
