package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// NewOpenAPIValidator creates a Gin middleware that validates incoming requests
// against the provided OpenAPI 3 document. Invalid requests are rejected with
// 400 before they reach intake. Requests whose path starts with one of the
// passthrough prefixes are not validated at all.
func NewOpenAPIValidator(spec *openapi3.T, passthrough ...string) (gin.HandlerFunc, error) {
	// Reason: clear servers so the router matches paths without a server URL prefix
	spec.Servers = nil

	router, err := gorillamux.NewRouter(spec)
	if err != nil {
		return nil, fmt.Errorf("creating openapi router: %w", err)
	}

	return validatorHandler(router, passthrough), nil
}

func validatorHandler(router routers.Router, passthrough []string) gin.HandlerFunc {
	opts := &openapi3filter.Options{
		// Reason: the public API has no auth; the admin surface is served on its own listener
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}

	return func(c *gin.Context) {
		for _, prefix := range passthrough {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			status := http.StatusNotFound
			if errors.Is(err, routers.ErrMethodNotAllowed) {
				status = http.StatusMethodNotAllowed
			}
			c.AbortWithStatusJSON(status, gin.H{
				"message": "route not found in API specification",
			})
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options:    opts,
		}

		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"path":      c.Request.URL.Path,
				"operation": route.Operation.OperationID,
			}).Warn("request validation failed")

			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"message": sanitizeValidationError(err),
			})
			return
		}

		c.Next()
	}
}

// sanitizeValidationError keeps the reason and drops the schema dump that
// kin-openapi appends, which can echo guest phone numbers back to the caller.
func sanitizeValidationError(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		var schemaErr *openapi3.SchemaError
		if errors.As(reqErr.Err, &schemaErr) {
			field := strings.Join(schemaErr.JSONPointer(), ".")
			if field == "" {
				return schemaErr.Reason
			}
			return field + ": " + schemaErr.Reason
		}
		if reqErr.Parameter != nil {
			return fmt.Sprintf("parameter %q: %s", reqErr.Parameter.Name, reqErr.Reason)
		}
		if reqErr.Reason != "" {
			return reqErr.Reason
		}
	}

	msg := err.Error()
	if idx := strings.Index(msg, "Schema:"); idx >= 0 {
		msg = strings.TrimSpace(msg[:idx])
	}
	return msg
}
