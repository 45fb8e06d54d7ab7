package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	x402 "github.com/x402-upl/x402/go"
	"github.com/x402-upl/x402/go/ratelimit"
	"github.com/x402-upl/x402/go/tap"
)

// maxSignedBodyBytes bounds how much request body is read for
// content-digest verification.
const maxSignedBodyBytes = 1 << 20

// ProofVerifier checks a payment proof against a requirement.
// *payment.Verifier satisfies it.
type ProofVerifier interface {
	Verify(ctx context.Context, proof x402.PaymentProof, requirement x402.PaymentRequirement) (x402.VerificationResult, error)
}

// RequestVerifier authenticates a signed request. *tap.Verifier satisfies
// it.
type RequestVerifier interface {
	Verify(ctx context.Context, req tap.SignedRequest) (*x402.Identity, error)
}

// RequirementFunc produces the payment requirement guarding a request.
type RequirementFunc func(r *http.Request) x402.PaymentRequirement

// StaticRequirement guards every request with the same terms, filling in
// the request path as the resource when the template leaves it empty.
func StaticRequirement(template x402.PaymentRequirement) RequirementFunc {
	return func(r *http.Request) x402.PaymentRequirement {
		requirement := template
		if requirement.Resource == "" {
			requirement.Resource = r.URL.Path
		}
		return requirement
	}
}

// MiddlewareOptions configures the payment guard.
type MiddlewareOptions struct {
	Limiter    *ratelimit.Limiter
	LimitKey   ratelimit.KeyFunc
	Signatures RequestVerifier
}

// Option configures PaymentMiddleware.
type Option func(*MiddlewareOptions)

// WithRateLimiter admits requests through limiter before any payment
// processing. key defaults to the client IP.
func WithRateLimiter(limiter *ratelimit.Limiter, key ratelimit.KeyFunc) Option {
	return func(o *MiddlewareOptions) {
		o.Limiter = limiter
		o.LimitKey = key
	}
}

// WithSignatureVerification requires a valid detached request signature
// before the payment proof is considered.
func WithSignatureVerification(verifier RequestVerifier) Option {
	return func(o *MiddlewareOptions) {
		o.Signatures = verifier
	}
}

// PaymentMiddleware guards a handler behind payment. Request flow: rate
// limiter (optional), request signature verification (optional), then the
// payment proof from HeaderPayment is verified against the requirement.
// A missing or invalid proof yields a 402 challenge; on success the
// receipt is echoed on HeaderPaymentResponse and the handler runs.
func PaymentMiddleware(requirements RequirementFunc, verifier ProofVerifier, opts ...Option) func(http.Handler) http.Handler {
	options := &MiddlewareOptions{
		LimitKey: ratelimit.KeyByIP,
	}
	for _, opt := range opts {
		opt(options)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if options.Limiter != nil {
				status, err := options.Limiter.Check(options.LimitKey(r))
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(status.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(status.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(status.ResetAt.Unix(), 10))
				if err != nil {
					if pe, ok := err.(*x402.ProtocolError); ok {
						if retry, ok := pe.Details["retryAfterSeconds"].(int); ok {
							w.Header().Set("Retry-After", strconv.Itoa(retry))
						}
					}
					WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
					return
				}
			}

			requirement := requirements(r)

			if options.Signatures != nil {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes))
				if err != nil {
					WriteError(w, http.StatusBadRequest, "unreadable request body")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))

				signed := tap.RequestFromHTTP(r, body)
				if _, err := options.Signatures.Verify(r.Context(), signed); err != nil {
					if x402.KindOf(err) == "" {
						WriteError(w, http.StatusBadGateway, "signature verification unavailable")
						return
					}
					WriteError(w, http.StatusUnauthorized, err.Error())
					return
				}
			}

			proofHeader := r.Header.Get(HeaderPayment)
			if proofHeader == "" {
				WritePaymentRequired(w, "payment required", requirement)
				return
			}
			proof, err := DecodeProof(proofHeader)
			if err != nil {
				WritePaymentRequired(w, "malformed payment header", requirement)
				return
			}

			result, err := verifier.Verify(r.Context(), proof, requirement)
			if err != nil {
				WriteError(w, http.StatusBadGateway, "payment verification unavailable")
				return
			}
			if !result.Valid {
				WritePaymentRequired(w, result.Message, requirement)
				return
			}

			if result.Receipt != nil {
				if header, err := EncodeReceipt(result.Receipt); err == nil {
					w.Header().Set(HeaderPaymentResponse, header)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
