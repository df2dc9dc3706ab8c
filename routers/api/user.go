package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	identityHeader = "X-Goog-Authenticated-User-Email"
	iapPrefix      = "accounts.google.com:"
	// 无身份头时的兜底身份，所有匿名请求共享
	publicUserEmail = "public@dreamer-v"
)

// rawUserEmail 从上游代理注入的身份头取邮箱，缺失返回空串
func rawUserEmail(c *gin.Context) string {
	email := c.GetHeader(identityHeader)
	if email == "" {
		return ""
	}
	return strings.TrimPrefix(email, iapPrefix)
}

// userEmail 同上，但缺失时退回公共身份
func userEmail(c *gin.Context) string {
	if email := rawUserEmail(c); email != "" {
		return email
	}
	return publicUserEmail
}

// GET /api/user-info
func UserInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"email": userEmail(c)})
}

// GET /api/health
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "OK"})
}
