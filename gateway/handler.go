package gateway

import (
	"net/http"

	"auralis_expression/authorization"
	"auralis_expression/expression"
	"github.com/gin-gonic/gin"
)

type changeRequest struct {
	Expression string   `json:"expression" binding:"required"`
	Transition string   `json:"transition"`
	Duration   *float64 `json:"duration"`
}

// RegisterRoutes mounts the guarded HTTP fallback for controllers that do not
// speak the tool protocol.
func RegisterRoutes(router gin.IRouter, guard *authorization.Guard, gw *Gateway) {
	group := router.Group("/expressions")
	if guard != nil {
		group.Use(guard.RequireAuthenticated(), guard.RequireRole(authorization.RoleAdmin))
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}

	group.POST("/change", func(c *gin.Context) {
		var req changeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expression is required"})
			return
		}
		result, err := gw.RequestChange(c.Request.Context(), ChangeRequest{
			Expression: req.Expression,
			Transition: req.Transition,
			Duration:   req.Duration,
		})
		if err != nil {
			expression.RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"display_name": result.DisplayName,
			"event":        result.Event,
		})
	})
}
