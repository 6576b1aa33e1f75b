package server

import (
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
)

// ginTestContext builds a minimal gin context with a fixed client address.
func ginTestContext(w *httptest.ResponseRecorder) (*gin.Context, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	c, r := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "192.0.2.1:1234"
	return c, r
}
