package protocol

import "encoding/json"

// JSON-RPC 2.0 message types for the host command surface.

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"` // string or int; nil for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// MarshalJSON always emits "result" on success, so zero values such as a
// 0.0 index or false survive encoding.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string `json:"jsonrpc"`
			ID      any    `json:"id"`
			Error   *Error `json:"error"`
		}{r.JSONRPC, r.ID, r.Error})
	}
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      any    `json:"id"`
		Result  any    `json:"result"`
	}{r.JSONRPC, r.ID, r.Result})
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application-specific error codes.
const (
	CodeConfiguration      = -32001
	CodeValidationRejected = -32002
	CodeProfileNotFound    = -32003
	CodeInvalidIndicator   = -32004
	CodeTransport          = -32005
)

// Method constants for all supported JSON-RPC methods.
const (
	// Host commands.
	MethodValidateInference = "validate_inference"
	MethodGetVexationIndex  = "get_vexation_index"
	MethodSubmitFeedback    = "submit_feedback"

	// Extended validation.
	MethodValidate        = "validate"
	MethodValidateProfile = "validate_profile"
	MethodReportStress    = "report_stress"

	// Constraint profiles.
	MethodProfilesList     = "profiles.list"
	MethodProfilesLoad     = "profiles.load"
	MethodProfilesActivate = "profiles.activate"

	MethodStatus = "status"
)

// NewResponse creates a successful response.
func NewResponse(id any, result any) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id any, code int, message string, data any) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// Parameter types.

// ValidateInferenceParams holds parameters for "validate_inference".
type ValidateInferenceParams struct {
	Token       string   `json:"token"`
	Constraints []string `json:"constraints"`
}

// SubmitFeedbackParams holds parameters for "submit_feedback".
type SubmitFeedbackParams struct {
	PaneL      string `json:"pane_l_state"`
	PaneN      string `json:"pane_n_state"`
	PaneW      string `json:"pane_w_state"`
	ReportType string `json:"report_type"`
}

// ConstraintDef defines a constraint in a JSON-RPC request.
type ConstraintDef struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
	Name    string `json:"name,omitempty"`
}

// ValidateParams holds parameters for "validate".
type ValidateParams struct {
	Token       string          `json:"token"`
	Constraints []ConstraintDef `json:"constraints"`
}

// ValidateProfileParams holds parameters for "validate_profile".
type ValidateProfileParams struct {
	Token   string `json:"token"`
	Profile string `json:"profile"`
}

// ReportStressParams holds parameters for "report_stress".
type ReportStressParams struct {
	Magnitude float64 `json:"magnitude"`
	HalfLife  string  `json:"half_life"`
}

// ProfilesLoadParams holds parameters for "profiles.load".
type ProfilesLoadParams struct {
	Path string `json:"path"`
}

// ProfilesActivateParams holds parameters for "profiles.activate".
type ProfilesActivateParams struct {
	Name string `json:"name"`
}

// Result types.

// VerdictResult is the outcome of "validate" and "validate_profile".
type VerdictResult struct {
	Status      string `json:"status"`
	Seq         uint64 `json:"seq"`
	Index       int    `json:"index"`
	Kind        string `json:"kind,omitempty"`
	Constraint  string `json:"constraint,omitempty"`
	Explanation string `json:"explanation,omitempty"`
	Strict      bool   `json:"strict,omitempty"`
}

// ProfileInfo describes a loaded profile in "profiles.list".
type ProfileInfo struct {
	Name        string `json:"name"`
	Constraints int    `json:"constraints"`
	Active      bool   `json:"active,omitempty"`
}

// StatusResult is the outcome of "status".
type StatusResult struct {
	Origin        string        `json:"origin"`
	VexationIndex float64       `json:"vexation_index"`
	Strict        bool          `json:"strict"`
	ActiveProfile string        `json:"active_profile,omitempty"`
	Profiles      []string      `json:"profiles"`
	Verdicts      VerdictCounts `json:"verdicts"`
	Feedback      FeedbackStats `json:"feedback"`
}

// VerdictCounts tallies verdicts since start.
type VerdictCounts struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// FeedbackStats mirrors the sink counters.
type FeedbackStats struct {
	Pending   int    `json:"pending"`
	Submitted uint64 `json:"submitted"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}
