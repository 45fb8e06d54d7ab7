// Package http carries the payment protocol over HTTP: header names, the
// proof codec and the 402 challenge body, plus middleware that guards
// resource handlers.
package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	x402 "github.com/x402-upl/x402/go"
)

// ProtocolVersion is the x402 protocol version spoken by this package.
const ProtocolVersion = 2

// Headers used by the payment exchange.
const (
	// HeaderPayment carries the base64-encoded payment proof.
	HeaderPayment = "X-Payment"
	// HeaderPaymentResponse echoes the base64-encoded receipt on success.
	HeaderPaymentResponse = "X-Payment-Response"
)

// PaymentRequiredResponse is the 402 challenge body.
type PaymentRequiredResponse struct {
	Error       string                    `json:"error"`
	Accepts     []x402.PaymentRequirement `json:"accepts"`
	X402Version int                       `json:"x402Version"`
}

// EncodeProof serializes proof for transport in HeaderPayment.
func EncodeProof(proof x402.PaymentProof) (string, error) {
	data, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("encode payment proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeProof parses a HeaderPayment value.
func DecodeProof(header string) (x402.PaymentProof, error) {
	var proof x402.PaymentProof
	if header == "" {
		return proof, fmt.Errorf("payment header is empty")
	}
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return proof, fmt.Errorf("decode payment header: %w", err)
	}
	if err := json.Unmarshal(data, &proof); err != nil {
		return proof, fmt.Errorf("parse payment proof: %w", err)
	}
	return proof, nil
}

// EncodeReceipt serializes receipt for HeaderPaymentResponse.
func EncodeReceipt(receipt *x402.PaymentReceipt) (string, error) {
	data, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("encode payment receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeReceipt parses a HeaderPaymentResponse value.
func DecodeReceipt(header string) (*x402.PaymentReceipt, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decode payment response header: %w", err)
	}
	var receipt x402.PaymentReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("parse payment receipt: %w", err)
	}
	return &receipt, nil
}

// WritePaymentRequired writes the 402 challenge with the requirement the
// requester must satisfy.
func WritePaymentRequired(w http.ResponseWriter, message string, requirement x402.PaymentRequirement) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(PaymentRequiredResponse{
		Error:       message,
		Accepts:     []x402.PaymentRequirement{requirement},
		X402Version: ProtocolVersion,
	})
}

// WriteError writes a JSON error body with the given status.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":       message,
		"x402Version": ProtocolVersion,
	})
}
