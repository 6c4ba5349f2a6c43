package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"
)

// Problem types served by the activation service
const (
	TypeValidation       = "/errors/validation"
	TypeNotFound         = "/errors/not-found"
	TypeRateLimit        = "/errors/rate-limit"
	TypeInternal         = "/errors/internal"
	TypeTimeout          = "/errors/timeout"
	TypePayloadTooLarge  = "/errors/payload-too-large"
	TypeMethodNotAllowed = "/errors/method-not-allowed"
	TypeUnauthorized     = "/errors/unauthorized"

	TypeDeviceMismatch  = "/errors/license/device-mismatch"
	TypeLicenseNotFound = "/errors/license/not-found"
	TypeAlreadyBound    = "/errors/license/already-bound"
	TypeNotBound        = "/errors/license/not-bound"
	TypeAssetNotFound   = "/errors/asset/not-found"
	TypeLicenseExists   = "/errors/license/exists"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// ContentTypeProblem is the RFC 7807 media type
const ContentTypeProblem = "application/problem+json"

// WriteProblem writes problem with the RFC 7807 media type
func WriteProblem(w http.ResponseWriter, problem *ProblemDetails) {
	body, err := json.Marshal(problem)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentTypeProblem)
	w.WriteHeader(problem.Status)
	_, _ = w.Write(body)
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// UnmarshalJSON collects unknown members into Extensions
func (pd *ProblemDetails) UnmarshalJSON(b []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	pd.Extensions = make(map[string]interface{})
	for k, v := range raw {
		switch k {
		case "type":
			pd.Type, _ = v.(string)
		case "title":
			pd.Title, _ = v.(string)
		case "status":
			if f, ok := v.(float64); ok {
				pd.Status = int(f)
			}
		case "detail":
			pd.Detail, _ = v.(string)
		case "instance":
			pd.Instance, _ = v.(string)
		default:
			pd.Extensions[k] = v
		}
	}
	return nil
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	if pd.Extensions == nil {
		pd.Extensions = make(map[string]interface{})
	}
	pd.Extensions[key] = value
	return pd
}

// Code returns the "code" extension, or "" when absent
func (pd *ProblemDetails) Code() string {
	code, _ := pd.Extensions["code"].(string)
	return code
}

// RejectionProblem builds the problem response for a refused activation
func RejectionProblem(rejected *LicenseRejected, instance string) *ProblemDetails {
	var (
		status int
		ptype  string
		title  string
	)
	switch rejected.Reason {
	case ReasonDeviceMismatch:
		status, ptype, title = http.StatusForbidden, TypeDeviceMismatch, "Device Mismatch"
	case ReasonNotFound:
		status, ptype, title = http.StatusNotFound, TypeLicenseNotFound, "License Not Found"
	case ReasonAlreadyBound:
		status, ptype, title = http.StatusConflict, TypeAlreadyBound, "License Already Bound"
	case ReasonNotBound:
		status, ptype, title = http.StatusConflict, TypeNotBound, "License Not Bound"
	default:
		status, ptype, title = http.StatusUnprocessableEntity, TypeValidation, "Invalid Request"
	}

	detail := rejected.Detail
	if detail == "" {
		detail = UserMessage(rejected)
	}

	return NewProblemDetails(status, ptype, title, detail, instance).
		WithExtension("code", rejected.Reason.Code())
}
