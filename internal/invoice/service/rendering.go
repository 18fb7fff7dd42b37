package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	"github.com/smallbiznis/meterbill/internal/invoice/render"
	ratingdomain "github.com/smallbiznis/meterbill/internal/rating/domain"
	"github.com/smallbiznis/meterbill/pkg/db/pagination"
	"go.uber.org/zap"
)

func (s *Service) Render(ctx context.Context, id string, format invoicedomain.RenderFormat) (invoicedomain.Rendered, error) {
	invoice, err := s.GetByID(ctx, id)
	if err != nil {
		return invoicedomain.Rendered{}, err
	}
	doc := s.buildDocument(invoice)

	switch format {
	case invoicedomain.RenderFormatHTML, "":
		html, err := s.renderer.RenderHTML(doc)
		if err != nil {
			s.log.Error("render invoice html", zap.String("invoice_id", id), zap.Error(err))
			return invoicedomain.Rendered{}, fmt.Errorf("%w: %v", invoicedomain.ErrInvoiceRenderFailed, err)
		}
		return invoicedomain.Rendered{
			ContentType: "text/html; charset=utf-8",
			Filename:    invoice.Number + ".html",
			Body:        []byte(html),
		}, nil
	case invoicedomain.RenderFormatPDF:
		pdf, err := s.renderer.RenderPDF(doc)
		if err != nil {
			s.log.Error("render invoice pdf", zap.String("invoice_id", id), zap.Error(err))
			return invoicedomain.Rendered{}, fmt.Errorf("%w: %v", invoicedomain.ErrInvoiceRenderFailed, err)
		}
		return invoicedomain.Rendered{
			ContentType: "application/pdf",
			Filename:    invoice.Number + ".pdf",
			Body:        pdf,
		}, nil
	}
	return invoicedomain.Rendered{}, invoicedomain.ErrUnsupportedFormat
}

func (s *Service) buildDocument(invoice invoicedomain.Invoice) render.Document {
	seller := s.policy.Get().Invoice
	planName := invoice.PlanCode
	if plan, err := s.catalog.GetVersion(invoice.PlanCode, invoice.PlanVersion); err == nil {
		planName = plan.Name
	}

	view := render.InvoiceView{
		ID:          invoice.ID.String(),
		Number:      invoice.Number,
		Status:      string(invoice.Status),
		Revision:    invoice.Revision,
		IssuedAt:    invoice.IssuedAt,
		DueAt:       invoice.DueAt,
		PeriodStart: invoice.PeriodStart,
		PeriodEnd:   invoice.PeriodEnd,
		Currency:    invoice.Currency,
		PlanName:    planName,
		Subtotal:    invoice.Subtotal,
		Discount:    invoice.Discount,
		TaxRate:     invoice.TaxRate,
		Tax:         invoice.Tax,
		Total:       invoice.Total,
	}
	if invoice.SupersedesID != nil {
		view.Supersedes = invoice.SupersedesID.String()
	}
	if invoice.DiscountCode != nil {
		view.DiscountCode = *invoice.DiscountCode
	}

	return render.Document{
		Seller: render.SellerView{
			CompanyName:  seller.SellerName,
			PrimaryColor: seller.PrimaryColor,
			FooterNotes:  seller.FooterNotes,
		},
		Invoice:  view,
		Customer: render.CustomerView{ID: invoice.CustomerID},
		Lines:    buildLineViews(invoice.Lines),
	}
}

func buildLineViews(lines []invoicedomain.InvoiceLine) []render.LineView {
	views := make([]render.LineView, 0, len(lines))
	for _, line := range lines {
		if line.Kind == ratingdomain.LineKindDiscount || line.Kind == ratingdomain.LineKindTax {
			// shown in the totals block
			continue
		}
		view := render.LineView{
			Title:     line.Description,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Amount:    line.Amount,
		}
		if line.Metric != "" {
			view.SubTitle = string(line.Kind)
		}
		views = append(views, view)
	}
	return views
}

func decodeCursor(token string) (*invoicedomain.Cursor, error) {
	raw, err := pagination.DecodeCursor(token)
	if err != nil {
		return nil, invoicedomain.ErrInvalidPageToken
	}
	id, err := snowflake.ParseString(strings.TrimSpace(raw.ID))
	if err != nil {
		return nil, invoicedomain.ErrInvalidPageToken
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, raw.CreatedAt)
	if err != nil {
		return nil, invoicedomain.ErrInvalidPageToken
	}
	return &invoicedomain.Cursor{IssuedAt: issuedAt, ID: id}, nil
}

func paginate(rows []invoicedomain.Invoice, limit int) ([]invoicedomain.Invoice, pagination.PageInfo, error) {
	return pagination.BuildCursorPageInfo(rows, limit, func(invoice invoicedomain.Invoice) pagination.Cursor {
		return pagination.Cursor{
			ID:        invoice.ID.String(),
			CreatedAt: invoice.IssuedAt.UTC().Format(time.RFC3339Nano),
		}
	})
}
