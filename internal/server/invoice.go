package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	"github.com/smallbiznis/meterbill/pkg/db/pagination"
)

type supersedeInvoiceRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// IssueInvoice bills a closed period. Re-issuing the same period answers with the invoice
// that already exists.
func (s *Server) IssueInvoice(c *gin.Context) {
	var req invoicedomain.IssueRequest
	if !s.bindJSON(c, &req) {
		return
	}
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)

	invoice, err := s.invoiceSvc.Issue(c.Request.Context(), req)
	if err != nil {
		var dup *invoicedomain.DuplicateInvoiceError
		if errors.As(err, &dup) {
			c.JSON(http.StatusOK, gin.H{"data": dup.Invoice, "duplicate": true})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": invoice})
}

func (s *Server) SupersedeInvoice(c *gin.Context) {
	var req supersedeInvoiceRequest
	if !s.bindJSON(c, &req) {
		return
	}

	invoice, err := s.invoiceSvc.Supersede(c.Request.Context(), invoicedomain.SupersedeRequest{
		InvoiceID: strings.TrimSpace(c.Param("id")),
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": invoice})
}

func (s *Server) ListCustomerInvoices(c *gin.Context) {
	customerID, ok := customerParam(c)
	if !ok {
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.invoiceSvc.List(c.Request.Context(), invoicedomain.ListInvoiceRequest{
		Pagination: query,
		CustomerID: customerID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Invoices, "page_info": resp.PageInfo})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	id, ok := invoiceParam(c)
	if !ok {
		return
	}

	item, err := s.invoiceSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

// RenderInvoice returns the printable document, PDF unless ?format=html.
func (s *Server) RenderInvoice(c *gin.Context) {
	id, ok := invoiceParam(c)
	if !ok {
		return
	}

	format := invoicedomain.RenderFormatPDF
	if raw := strings.ToLower(strings.TrimSpace(c.Query("format"))); raw != "" {
		format = invoicedomain.RenderFormat(raw)
	}

	doc, err := s.invoiceSvc.Render(c.Request.Context(), id, format)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if doc.Filename != "" {
		c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", doc.Filename))
	}
	c.Data(http.StatusOK, doc.ContentType, doc.Body)
}

func (s *Server) PayInvoice(c *gin.Context) {
	id, ok := invoiceParam(c)
	if !ok {
		return
	}

	result, err := s.paymentSvc.Collect(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ListInvoicePayments(c *gin.Context) {
	id, ok := invoiceParam(c)
	if !ok {
		return
	}

	attempts, err := s.paymentSvc.ListAttempts(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": attempts})
}

func invoiceParam(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := snowflake.ParseString(id); err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return "", false
	}
	return id, true
}
