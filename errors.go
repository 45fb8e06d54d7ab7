package x402

import "fmt"

// Kind enumerates the protocol failure taxonomy. Soft verification
// failures are carried as values inside results; only backend
// unavailability propagates as a hard error.
type Kind string

const (
	KindMalformedInput          Kind = "malformed_input"
	KindMalformedSignature      Kind = "malformed_signature"
	KindExpired                 Kind = "expired"
	KindReplayed                Kind = "replayed"
	KindAlreadyConsumed         Kind = "already_consumed"
	KindUnknownIdentity         Kind = "unknown_identity"
	KindInvalidSignature        Kind = "invalid_signature"
	KindAmountMismatch          Kind = "amount_mismatch"
	KindAssetMismatch           Kind = "asset_mismatch"
	KindRecipientMismatch       Kind = "recipient_mismatch"
	KindVerificationUnavailable Kind = "verification_unavailable"
	KindNotConfirmed            Kind = "not_confirmed"
	KindDeliveryFailed          Kind = "delivery_failed"
	KindAdmissionRejected       Kind = "admission_rejected"
)

// ProtocolError represents a protocol-specific error
type ProtocolError struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewProtocolError creates a new protocol error
func NewProtocolError(kind Kind, message string, details map[string]interface{}) *ProtocolError {
	return &ProtocolError{
		Kind:    kind,
		Message: message,
		Details: details,
	}
}

// KindOf extracts the failure kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	if pe, ok := err.(*ProtocolError); ok {
		return pe.Kind
	}
	return ""
}
