// Package api defines the wire types for the secretd procedure call
// boundary.
package api

// CallRequest invokes one named procedure with positional arguments. The
// caller's token travels in the Authorization header, never in the body.
type CallRequest struct {
	// Procedure is the canonical procedure name, e.g. "fetchSecrets".
	Procedure string `json:"procedure"`
	// Args is the ordered argument list matching the procedure's arity.
	Args []string `json:"args,omitempty"`
}

// CallResponse is the outcome of one dispatched procedure. Business failures
// keep HTTP 200 and set Success false; transport faults use ErrorResponse
// instead.
type CallResponse struct {
	// Success reports whether the procedure achieved its effect.
	Success bool `json:"success"`
	// Message is a human-readable outcome line suitable for CLI display.
	Message string `json:"message,omitempty"`
	// Token carries a freshly issued credential; only generateToken sets it.
	Token string `json:"token,omitempty"`
	// Secrets is the key/value snapshot returned by fetchSecrets.
	Secrets map[string]string `json:"secrets,omitempty"`
	// Projects lists project names for listProjects.
	Projects []string `json:"projects,omitempty"`
	// Environments lists environment names for listEnvironments.
	Environments []string `json:"environments,omitempty"`
	// Found reports existence for checkUserExists.
	Found *bool `json:"found,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable secretd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}
