package auth

// ServiceValidateToken is the request-reply service that verifies credentials.
const ServiceValidateToken = "validate-token"

// ValidateTokenRequest is the request for the validate-token service.
type ValidateTokenRequest struct {
	Token string `json:"token"`
}

// ValidateTokenResponse is the response for the validate-token service.
type ValidateTokenResponse struct {
	Valid   bool   `json:"valid"`
	UserID  string `json:"user_id,omitempty"`
	Expired bool   `json:"expired,omitempty"`
	Error   string `json:"error,omitempty"`
}
