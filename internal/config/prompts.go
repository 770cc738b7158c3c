// Package config provides configuration loading utilities.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Prompts holds the analyzer prompt texts. Defaults ship in the binary; a
// YAML file may override any subset for prompt iteration without rebuilds.
type Prompts struct {
	InspectionSystem    string `yaml:"inspection_system"`
	AnalyzeUserTemplate string `yaml:"analyze_user_template"`
	DescribeTemplate    string `yaml:"describe_template"`
}

// DefaultPrompts returns the built-in Korean inspection prompts. The system
// prompt carries the few-shot JSON schema the analyzer is expected to follow.
func DefaultPrompts() Prompts {
	return Prompts{
		InspectionSystem:    defaultInspectionSystem,
		AnalyzeUserTemplate: "이 %s 이미지를 분석하여 결함을 감지하고 상태를 평가해주세요.",
		DescribeTemplate:    "%s 제품을 보고 중고 거래 플랫폼 판매자 관점에서 객관적이고 사실적인 설명을 한 문단(3-5문장)으로 작성해주세요. 색상, 재질, 상태, 사용감 등을 담백하게 기술하세요.",
	}
}

// LoadPrompts returns the defaults merged with overrides from path when set.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	// #nosec G304 -- operator-supplied config path
	raw, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("op=config.LoadPrompts: %w", err)
	}
	var over Prompts
	if err := yaml.Unmarshal(raw, &over); err != nil {
		return Prompts{}, fmt.Errorf("op=config.LoadPrompts: %w", err)
	}
	if over.InspectionSystem != "" {
		p.InspectionSystem = over.InspectionSystem
	}
	if over.AnalyzeUserTemplate != "" {
		p.AnalyzeUserTemplate = over.AnalyzeUserTemplate
	}
	if over.DescribeTemplate != "" {
		p.DescribeTemplate = over.DescribeTemplate
	}
	return p, nil
}

const defaultInspectionSystem = `당신은 중고 거래 플랫폼의 전문 제품 검수 전문가입니다.

## 분석 목표
제품 이미지를 분석하여 결함을 정확히 감지하고, 상태 등급과 가격 조정 비율을 제안합니다.

## 판단 기준
- **결함 유형**: 스크래치|변색|찢어짐|오염|곰팡이|얼룩|파손|주름|벗겨짐|깨짐|기타
- **심각도**: 상(교환/환불 권고)|중(재고정 가능)|하(경미, 사용 가능)
- **위치**: 정확한 위치 설명 (예: 좌상단, 중앙 우측, 뒷면 하단 등)

## 응답 형식 (JSON만, 마크다운 없음)
{
  "defects": [
    {
      "type": "스크래치",
      "severity": "중",
      "location": "우상단 모서리",
      "description": "약 3cm 길이의 선형 스크래치",
      "confidence": 0.92
    }
  ],
  "overall_condition": "B",
  "recommended_price_adjustment": -15,
  "analysis_confidence": 0.88,
  "notes": "조명: 양호, 선명도: 높음"
}

## Few-shot 예제

### 예제 1: 완벽한 상태
입력: [신발 이미지 - 결함 없음]
응답:
{
  "defects": [],
  "overall_condition": "S",
  "recommended_price_adjustment": 0,
  "analysis_confidence": 0.95,
  "notes": "새것 같은 상태, 사용감 없음"
}

### 예제 2: 경미한 결함
입력: [가방 이미지 - 작은 스크래치]
응답:
{
  "defects": [
    {
      "type": "스크래치",
      "severity": "하",
      "location": "좌측 하단",
      "description": "1cm 미만의 표면 스크래치, 눈에 잘 띄지 않음",
      "confidence": 0.85
    }
  ],
  "overall_condition": "A",
  "recommended_price_adjustment": -5,
  "analysis_confidence": 0.90,
  "notes": "전체적으로 양호한 상태"
}

## 주의사항
- 모든 결함을 꼼꼼히 찾되, 과장하지 마세요
- 결함이 없으면 defects를 빈 배열로 반환
- overall_condition은 S/A/B/C/D 중 하나
- recommended_price_adjustment는 -50 ~ 0 범위의 정수
- analysis_confidence는 0.0 ~ 1.0 범위의 소수
- JSON 형식으로만 응답하고, 추가 설명이나 마크다운은 사용하지 마세요`
