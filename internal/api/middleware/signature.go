package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ollivr/soketi/internal/apps"
	"github.com/ollivr/soketi/internal/auth"
)

// AppContextKey is where the resolved app is stored on the gin context.
const AppContextKey = "app"

// AppAuth resolves the app from the :app_id path parameter and verifies
// the Pusher HTTP API signature of the request. Requests with an unknown
// app get 404; a bad signature gets 401.
func AppAuth(appManager apps.AppManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		app, err := appManager.FindByID(c.Request.Context(), c.Param("app_id"))
		if err != nil {
			if errors.Is(err, apps.ErrAppNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "app not found"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "app lookup failed"})
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		err = auth.VerifyRequestSignature(
			app.Secret,
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.URL.Query(),
			body,
			time.Now(),
		)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		c.Set(AppContextKey, app)
		c.Next()
	}
}

// AppFromContext fetches the app stored by AppAuth.
func AppFromContext(c *gin.Context) *apps.App {
	return c.MustGet(AppContextKey).(*apps.App)
}
