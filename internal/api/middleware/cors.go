package middleware

import (
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS middleware for handling cross-origin requests. Browser clients
// connect from arbitrary origins, so the default is permissive; setting
// ALLOWED_ORIGINS restricts it to an explicit list.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if allowed := os.Getenv("ALLOWED_ORIGINS"); allowed != "" {
			for _, candidate := range strings.Split(allowed, ",") {
				if origin == strings.TrimSpace(candidate) {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		} else if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Max-Age", "24h")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
