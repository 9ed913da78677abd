package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// PermissiveCORS answers preflight for any origin with the given methods.
func PermissiveCORS(methods ...string) gin.HandlerFunc {
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "OPTIONS"}
	}
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    methods,
		AllowHeaders:    []string{"Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	})
}
