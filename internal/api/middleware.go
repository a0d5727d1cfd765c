package api

import (
	"geminipool/internal/uptime"

	"github.com/gin-gonic/gin"
)

// APIService is the uptime service name for the management API.
const APIService = "api_service"

// UptimeMiddleware records one availability sample per request; anything
// below 500 counts as a success.
func UptimeMiddleware(tr *uptime.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		tr.Record(APIService, c.Writer.Status() < 500)
	}
}
