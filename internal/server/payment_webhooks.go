package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterbill/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	gateway := strings.TrimSpace(c.Param("gateway"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.HandleWebhook(c.Request.Context(), gateway, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		logger.FromContext(c.Request.Context()).Warn("payment webhook rejected",
			zap.String("gateway", gateway),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "duplicate": result.Duplicate})
}
