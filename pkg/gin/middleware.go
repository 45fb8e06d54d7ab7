// Package gin adapts the payment guard to gin handler chains.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	x402http "github.com/x402-upl/x402/go/http"
)

// PaymentMiddleware wraps the net/http payment guard as a gin middleware.
// All protocol behavior lives in the http package; this adapter only
// bridges gin's context.
func PaymentMiddleware(requirements x402http.RequirementFunc, verifier x402http.ProofVerifier, opts ...x402http.Option) gin.HandlerFunc {
	guard := x402http.PaymentMiddleware(requirements, verifier, opts...)

	return func(c *gin.Context) {
		admitted := false
		guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			admitted = true
			c.Request = r
		})).ServeHTTP(c.Writer, c.Request)

		if !admitted {
			c.Abort()
			return
		}
		c.Next()
	}
}
