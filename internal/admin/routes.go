package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Error struct {
	Message string `json:"message"`
}

type Correction struct {
	RSVP string `json:"rsvp" binding:"required"`
	Note string `json:"note"`
}

type RetryResult struct {
	Resolved int `json:"resolved"`
}

type ReplayResult struct {
	EventID string `json:"event_id"`
	Written int    `json:"written"`
}

// ServerInterface is the operator surface. It is served on its own listener
// and never exposed to hosts.
type ServerInterface interface {
	// (GET /admin/alerts)
	ListAlerts(c *gin.Context)
	// (POST /admin/alerts/retry)
	RetryAlerts(c *gin.Context)
	// (GET /admin/events/{eventId}/records)
	ListRecords(c *gin.Context, eventID string)
	// (POST /admin/events/{eventId}/replay)
	ReplayEvent(c *gin.Context, eventID string)
	// (GET /admin/guests/{guestId}/attempts)
	ListAttempts(c *gin.Context, guestID string)
	// (GET /admin/guests/{guestId}/derive)
	DeriveGuest(c *gin.Context, guestID string)
	// (POST /admin/guests/{guestId}/corrections)
	CorrectRSVP(c *gin.Context, guestID string)
}

func withParam(name string, fn func(*gin.Context, string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		v := c.Param(name)
		if v == "" {
			c.JSON(http.StatusBadRequest, Error{Message: "missing " + name})
			return
		}
		fn(c, v)
	}
}

func RegisterHandlers(router gin.IRouter, si ServerInterface) {
	router.GET("/admin/alerts", si.ListAlerts)
	router.POST("/admin/alerts/retry", si.RetryAlerts)
	router.GET("/admin/events/:eventId/records", withParam("eventId", si.ListRecords))
	router.POST("/admin/events/:eventId/replay", withParam("eventId", si.ReplayEvent))
	router.GET("/admin/guests/:guestId/attempts", withParam("guestId", si.ListAttempts))
	router.GET("/admin/guests/:guestId/derive", withParam("guestId", si.DeriveGuest))
	router.POST("/admin/guests/:guestId/corrections", withParam("guestId", si.CorrectRSVP))
}
