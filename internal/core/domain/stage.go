package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// StageName identifies a pipeline state. Analysis stages run in the fixed order
// validation -> legal -> risk -> relevance -> financial -> decision.
type StageName string

const (
	StageValidation StageName = "validation"
	StageLegal      StageName = "legal"
	StageRisk       StageName = "risk"
	StageRelevance  StageName = "relevance"
	StageFinancial  StageName = "financial"
	StageDecision   StageName = "decision"

	StageCompleted StageName = "completed"
	StageRejected  StageName = "rejected"
	StageErrored   StageName = "errored"
)

// AnalysisStages lists the scored stages in execution order.
var AnalysisStages = []StageName{
	StageValidation,
	StageLegal,
	StageRisk,
	StageRelevance,
	StageFinancial,
}

func (s StageName) IsTerminal() bool {
	switch s {
	case StageCompleted, StageRejected, StageErrored:
		return true
	default:
		return false
	}
}

func (s StageName) IsAnalysis() bool {
	for _, stage := range AnalysisStages {
		if stage == s {
			return true
		}
	}
	return false
}

// Next returns the nominal successor of an analysis stage.
func (s StageName) Next() (StageName, bool) {
	switch s {
	case StageValidation:
		return StageLegal, true
	case StageLegal:
		return StageRisk, true
	case StageRisk:
		return StageRelevance, true
	case StageRelevance:
		return StageFinancial, true
	case StageFinancial:
		return StageDecision, true
	default:
		return "", false
	}
}

func (s StageName) Valid() bool {
	switch s {
	case StageValidation, StageLegal, StageRisk, StageRelevance, StageFinancial,
		StageDecision, StageCompleted, StageRejected, StageErrored:
		return true
	default:
		return false
	}
}

type ResultStatus string

const (
	StatusPassed      ResultStatus = "passed"
	StatusWarning     ResultStatus = "warning"
	StatusConditional ResultStatus = "conditional"
	StatusFailed      ResultStatus = "failed"
	StatusError       ResultStatus = "error"
)

// IsFailure reports explicit business failure markers. StatusError is a technical
// fault and is handled separately by routing.
func (s ResultStatus) IsFailure() bool {
	return s == StatusFailed
}

const maxFindings = 10

// Verdict is the structured output of one stage execution.
type Verdict struct {
	Stage           StageName    `json:"stage"`
	Score           float64      `json:"score"`
	Confidence      float64      `json:"confidence"`
	Status          ResultStatus `json:"status"`
	Summary         string       `json:"summary,omitempty"`
	Findings        []string     `json:"findings,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
	Details         StageDetails `json:"details,omitempty"`
	CompletedAt     time.Time    `json:"completed_at"`
}

// Normalize clamps score and confidence into [0,1] and bounds the finding lists.
func (v Verdict) Normalize() Verdict {
	out := v
	out.Score = Clamp01(out.Score)
	out.Confidence = Clamp01(out.Confidence)
	out.Findings = boundStrings(out.Findings, maxFindings)
	out.Recommendations = boundStrings(out.Recommendations, maxFindings)
	return out
}

func (v *Verdict) UnmarshalJSON(data []byte) error {
	type alias Verdict
	aux := struct {
		*alias
		Details json.RawMessage `json:"details,omitempty"`
	}{alias: (*alias)(v)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	details, err := decodeStageDetails(v.Stage, aux.Details)
	if err != nil {
		return err
	}
	v.Details = details
	return nil
}

// StageDetails is the closed set of per-stage result variants.
type StageDetails interface {
	detailsFor() StageName
}

type DocumentSummary struct {
	StorageKey      string `json:"storage_key"`
	Filename        string `json:"filename"`
	Kind            string `json:"kind,omitempty"`
	PageCount       int    `json:"page_count"`
	TextLength      int    `json:"text_length"`
	Extracted       bool   `json:"extracted"`
	MentionsCompany bool   `json:"mentions_company"`
}

type ValidationDetails struct {
	FormScore     float64           `json:"form_score"`
	DocumentScore float64           `json:"document_score"`
	ReviewScore   float64           `json:"review_score"`
	Errors        []string          `json:"errors,omitempty"`
	Documents     []DocumentSummary `json:"documents,omitempty"`
}

type LegalDetails struct {
	CompanyScore     float64  `json:"company_score"`
	DocumentScore    float64  `json:"document_score"`
	ReviewScore      float64  `json:"review_score"`
	ComplianceScore  float64  `json:"compliance_score"`
	CriticalRisks    []string `json:"critical_risks,omitempty"`
	ComplianceIssues []string `json:"compliance_issues,omitempty"`
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type RiskDetails struct {
	Level           RiskLevel `json:"level"`
	OverallRisk     float64   `json:"overall_risk"`
	FinancialRisk   float64   `json:"financial_risk"`
	MarketRisk      float64   `json:"market_risk"`
	OperationalRisk float64   `json:"operational_risk"`
	ManagementRisk  float64   `json:"management_risk"`
}

type RelevanceDetails struct {
	Level           string  `json:"level"`
	MarketRelevance float64 `json:"market_relevance"`
	Innovation      float64 `json:"innovation"`
	EconomicImpact  float64 `json:"economic_impact"`
	PolicyAlignment float64 `json:"policy_alignment"`
	Sustainability  float64 `json:"sustainability"`
}

type FinancialDetails struct {
	StabilityLevel   string  `json:"stability_level"`
	Stability        float64 `json:"stability"`
	LiquidityRatio   float64 `json:"liquidity_ratio"`
	DebtToEquity     float64 `json:"debt_to_equity"`
	Profitability    float64 `json:"profitability"`
	RatioScore       float64 `json:"ratio_score"`
	CashFlow         float64 `json:"cash_flow"`
	Creditworthiness float64 `json:"creditworthiness"`
	DebtCapacity     float64 `json:"debt_capacity"`
	DataComplete     bool    `json:"data_complete"`
}

func (ValidationDetails) detailsFor() StageName { return StageValidation }
func (LegalDetails) detailsFor() StageName      { return StageLegal }
func (RiskDetails) detailsFor() StageName       { return StageRisk }
func (RelevanceDetails) detailsFor() StageName  { return StageRelevance }
func (FinancialDetails) detailsFor() StageName  { return StageFinancial }

// DetailsStage returns the stage a details variant belongs to, or "" for nil.
func DetailsStage(details StageDetails) StageName {
	if details == nil {
		return ""
	}
	return details.detailsFor()
}

func decodeStageDetails(stage StageName, raw json.RawMessage) (StageDetails, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var (
		details StageDetails
		err     error
	)
	switch stage {
	case StageValidation:
		var d ValidationDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case StageLegal:
		var d LegalDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case StageRisk:
		var d RiskDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case StageRelevance:
		var d RelevanceDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case StageFinancial:
		var d FinancialDetails
		err = json.Unmarshal(raw, &d)
		details = d
	default:
		return nil, fmt.Errorf("stage %q has no details variant", stage)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s details: %w", stage, err)
	}
	return details, nil
}

func Clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func boundStrings(in []string, limit int) []string {
	if len(in) <= limit {
		return in
	}
	out := make([]string, limit)
	copy(out, in[:limit])
	return out
}
