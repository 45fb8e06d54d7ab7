// Package echo adapts the payment guard to echo middleware chains.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	x402http "github.com/x402-upl/x402/go/http"
)

// PaymentMiddleware wraps the net/http payment guard as an echo
// middleware. All protocol behavior lives in the http package; this
// adapter only bridges echo's context.
func PaymentMiddleware(requirements x402http.RequirementFunc, verifier x402http.ProofVerifier, opts ...x402http.Option) echo.MiddlewareFunc {
	guard := x402http.PaymentMiddleware(requirements, verifier, opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var handlerErr error
			admitted := false
			guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				admitted = true
				c.SetRequest(r)
				handlerErr = next(c)
			})).ServeHTTP(c.Response(), c.Request())

			if !admitted {
				return nil
			}
			return handlerErr
		}
	}
}
