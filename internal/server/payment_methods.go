package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/meterbill/internal/payment/domain"
)

func (s *Server) ListPaymentMethods(c *gin.Context) {
	customerID, ok := customerParam(c)
	if !ok {
		return
	}

	methods, err := s.paymentSvc.ListMethods(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": methods})
}

func (s *Server) AddPaymentMethod(c *gin.Context) {
	customerID, ok := customerParam(c)
	if !ok {
		return
	}

	var req paymentdomain.AddMethodRequest
	if !s.bindJSON(c, &req) {
		return
	}
	req.CustomerID = customerID
	req.Token = strings.TrimSpace(req.Token)

	method, err := s.paymentSvc.AddMethod(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": method})
}

func (s *Server) RemovePaymentMethod(c *gin.Context) {
	customerID, ok := customerParam(c)
	if !ok {
		return
	}

	if err := s.paymentSvc.RemoveMethod(c.Request.Context(), customerID, strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) SetDefaultPaymentMethod(c *gin.Context) {
	customerID, ok := customerParam(c)
	if !ok {
		return
	}

	method, err := s.paymentSvc.SetDefaultMethod(c.Request.Context(), customerID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": method})
}
