package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.POST("/login", h.Login)
	r.GET("/session", h.Session)
	r.POST("/logout", h.Logout)
}

type LoginRequest struct {
	ID       string `json:"id" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "code": "INVALID_ARGUMENT"})
		return
	}

	token, err := h.svc.Login(c.Request.Context(), req.ID, req.Password)
	switch {
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrAccountDisabled):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid id or password", "code": "UNAUTHENTICATED"})
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed", "code": "INTERNAL"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"message": "Login successful",
	})
}

// Session reports who the bearer token belongs to. A missing or bad token is
// not an error here, only logged_in=false.
func (h *Handler) Session(c *gin.Context) {
	claims, err := ParseBearer(h.svc.Secret(), c.GetHeader("Authorization"))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"logged_in": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logged_in": true,
		"user_id":   claims.UserID,
		"role":      claims.Role,
	})
}

// Logout exists for clients that call it. Tokens are stateless, so the
// client discarding its token is the whole logout.
func (h *Handler) Logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Logout successful"})
}
