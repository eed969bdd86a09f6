package api

import (
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"
)

//go:embed openapi.yaml
var specYAML []byte

// GetSwagger parses the embedded OpenAPI document. Every call returns a
// fresh copy, so callers may modify it.
func GetSwagger() (*openapi3.T, error) {
	spec, err := openapi3.NewLoader().LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("loading embedded openapi spec: %w", err)
	}
	return spec, nil
}

type HealthResponse struct {
	Status string `json:"status"`
}

type Error struct {
	Message string `json:"message"`
}

type VoiceProfile struct {
	VoiceProfileID string `json:"voice_profile_id"`
}

type WebhookAck struct {
	Queued    bool   `json:"queued"`
	AttemptID string `json:"attempt_id,omitempty"`
}

// ServerInterface is the public API, one method per operation of
// openapi.yaml.
type ServerInterface interface {
	GetHealth(c *gin.Context)
	CreateEvent(c *gin.Context)
	GetEvent(c *gin.Context, eventID openapi_types.UUID)
	AttachVoiceProfile(c *gin.Context, eventID openapi_types.UUID)
	ActivateEvent(c *gin.Context, eventID openapi_types.UUID)
	CancelEvent(c *gin.Context, eventID openapi_types.UUID)
	ListGuests(c *gin.Context, eventID openapi_types.UUID)
	IngestGuests(c *gin.Context, eventID openapi_types.UUID)
	GetRSVPSummary(c *gin.Context, eventID openapi_types.UUID)
	PostCallWebhook(c *gin.Context)
}

// withEventID binds the eventId path parameter before calling fn.
func withEventID(fn func(*gin.Context, openapi_types.UUID)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var eventID openapi_types.UUID
		err := runtime.BindStyledParameterWithOptions("simple", "eventId", c.Param("eventId"), &eventID,
			runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
		if err != nil {
			c.JSON(http.StatusBadRequest, Error{Message: fmt.Sprintf("invalid format for parameter eventId: %v", err)})
			return
		}
		fn(c, eventID)
	}
}

func RegisterHandlers(r gin.IRouter, si ServerInterface) {
	r.GET("/health", si.GetHealth)
	r.POST("/events", si.CreateEvent)
	r.GET("/events/:eventId", withEventID(si.GetEvent))
	r.PUT("/events/:eventId/voice-profile", withEventID(si.AttachVoiceProfile))
	r.POST("/events/:eventId/activate", withEventID(si.ActivateEvent))
	r.POST("/events/:eventId/cancel", withEventID(si.CancelEvent))
	r.GET("/events/:eventId/guests", withEventID(si.ListGuests))
	r.POST("/events/:eventId/guests", withEventID(si.IngestGuests))
	r.GET("/events/:eventId/rsvp-summary", withEventID(si.GetRSVPSummary))
	r.POST("/webhooks/call-platform", si.PostCallWebhook)
}
