package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
)

func (s *Server) ListAlerts(c *gin.Context) {
	customerID, ok := customerParam(c)
	if !ok {
		return
	}

	var query alertdomain.ListAlertRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	query.CustomerID = customerID

	resp, err := s.alertSvc.List(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Alerts, "page_info": resp.PageInfo})
}

func (s *Server) MarkAlertRead(c *gin.Context) {
	alert, err := s.alertSvc.MarkRead(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": alert})
}

func (s *Server) GetAlertPreferences(c *gin.Context) {
	customerID, ok := customerParam(c)
	if !ok {
		return
	}

	pref, err := s.alertSvc.GetPreference(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": pref})
}

func (s *Server) SetAlertPreferences(c *gin.Context) {
	customerID, ok := customerParam(c)
	if !ok {
		return
	}

	var req alertdomain.PreferenceRequest
	if !s.bindJSON(c, &req) {
		return
	}
	req.CustomerID = customerID

	pref, err := s.alertSvc.SetPreference(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": pref})
}
