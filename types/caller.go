package types

// CallerContext identifies an authenticated caller for the lifetime of one
// request. KeyID is a hash-prefix derivation, never the credential itself.
type CallerContext struct {
	KeyID         string `json:"key_id"`
	HMACAuth      bool   `json:"hmac_auth"`
	SourceIP      string `json:"source_ip"`
	UserAgent     string `json:"user_agent"`
	CorrelationID string `json:"correlation_id"`
}
