package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// IntakeData is the free-form submission payload. Stages only read it.
type IntakeData map[string]any

// Form field keys.
const (
	FieldCompanyName         = "company_name"
	FieldLegalForm           = "legal_form"
	FieldTaxNumber           = "tax_number"
	FieldRegistrationAddress = "registration_address"
	FieldContactPerson       = "contact_person"
	FieldPhone               = "phone"
	FieldEmail               = "email"
	FieldProjectName         = "project_name"
	FieldProjectDescription  = "project_description"
	FieldRequestedAmount     = "requested_amount"
	FieldDurationMonths      = "project_duration_months"
	FieldAnnualRevenue       = "annual_revenue"
	FieldNetProfit           = "net_profit"
	FieldTotalAssets         = "total_assets"
	FieldDebtAmount          = "debt_amount"
)

// RequiredFields must be present and non-empty in every submission.
var RequiredFields = []string{
	FieldCompanyName,
	FieldLegalForm,
	FieldTaxNumber,
	FieldRegistrationAddress,
	FieldContactPerson,
	FieldPhone,
	FieldEmail,
	FieldProjectName,
	FieldProjectDescription,
	FieldRequestedAmount,
	FieldDurationMonths,
}

// OptionalFinancialFields are non-negative when supplied.
var OptionalFinancialFields = []string{
	FieldAnnualRevenue,
	FieldNetProfit,
	FieldTotalAssets,
	FieldDebtAmount,
}

func (d IntakeData) Has(key string) bool {
	v, ok := d[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}

func (d IntakeData) String(key string) string {
	switch v := d[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Float coerces numeric and numeric-string values. ok is false for absent,
// unparsable or non-finite values.
func (d IntakeData) Float(key string) (float64, bool) {
	f, ok := parseNumber(d[key])
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// NonFinite reports whether the value parses as a number that is NaN or infinite.
func (d IntakeData) NonFinite(key string) bool {
	f, ok := parseNumber(d[key])
	return ok && (math.IsNaN(f) || math.IsInf(f, 0))
}

func parseNumber(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(v), " ", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
		if cleaned == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (d IntakeData) Clone() IntakeData {
	if d == nil {
		return nil
	}
	out := make(IntakeData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// ApplicationForm is a typed view over IntakeData.
type ApplicationForm struct {
	CompanyName         string
	LegalForm           string
	TaxNumber           string
	RegistrationAddress string
	ContactPerson       string
	Phone               string
	Email               string
	ProjectName         string
	ProjectDescription  string
	RequestedAmount     float64
	DurationMonths      int

	AnnualRevenue *float64
	NetProfit     *float64
	TotalAssets   *float64
	DebtAmount    *float64
}

func (d IntakeData) Form() ApplicationForm {
	form := ApplicationForm{
		CompanyName:         d.String(FieldCompanyName),
		LegalForm:           d.String(FieldLegalForm),
		TaxNumber:           d.String(FieldTaxNumber),
		RegistrationAddress: d.String(FieldRegistrationAddress),
		ContactPerson:       d.String(FieldContactPerson),
		Phone:               d.String(FieldPhone),
		Email:               d.String(FieldEmail),
		ProjectName:         d.String(FieldProjectName),
		ProjectDescription:  d.String(FieldProjectDescription),
	}
	if amount, ok := d.Float(FieldRequestedAmount); ok {
		form.RequestedAmount = amount
	}
	if months, ok := d.Float(FieldDurationMonths); ok {
		form.DurationMonths = int(months)
	}
	form.AnnualRevenue = d.optionalFloat(FieldAnnualRevenue)
	form.NetProfit = d.optionalFloat(FieldNetProfit)
	form.TotalAssets = d.optionalFloat(FieldTotalAssets)
	form.DebtAmount = d.optionalFloat(FieldDebtAmount)
	return form
}

func (d IntakeData) optionalFloat(key string) *float64 {
	v, ok := d.Float(key)
	if !ok {
		return nil
	}
	return &v
}

// SearchText is the lowercased project name and description used by keyword heuristics.
func (f ApplicationForm) SearchText() string {
	return strings.ToLower(f.ProjectName + " " + f.ProjectDescription)
}

// DocumentRef points at an uploaded document in object storage.
type DocumentRef struct {
	StorageKey string `json:"storage_key"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type,omitempty"`
	Size       int64  `json:"size"`
}

// ExtractedDocument is the document collaborator's output.
type ExtractedDocument struct {
	Text      string            `json:"text"`
	PageCount int               `json:"page_count"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
