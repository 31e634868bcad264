package http

import (
	"github.com/gin-gonic/gin"
)

// gin context keys shared across the middleware chain.
const (
	ctxKeyStart       = "gw.start"
	ctxKeyUser        = "gw.user"
	ctxKeyRequestBody = "gw.requestBody"
)

// User is the authenticated principal derived from the JWT payload.
type User struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

func currentUser(c *gin.Context) (*User, bool) {
	v, ok := c.Get(ctxKeyUser)
	if !ok {
		return nil, false
	}
	u, ok := v.(*User)
	return u, ok
}

func requestBody(c *gin.Context) []byte {
	v, ok := c.Get(ctxKeyRequestBody)
	if !ok {
		return nil
	}
	b, _ := v.([]byte)
	return b
}
