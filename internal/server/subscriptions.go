package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func (s *Server) GetSubscription(c *gin.Context) {
	userID, err := snowflake.ParseString(strings.TrimSpace(c.Param("userID")))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	artistID, err := snowflake.ParseString(strings.TrimSpace(c.Param("artistID")))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sub, err := s.subscriptionSvc.Get(c.Request.Context(), userID, artistID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}
