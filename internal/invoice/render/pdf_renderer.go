package render

import (
	"fmt"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type totalRow struct {
	label string
	value string
	bold  bool
}

// DocumentRenderer renders HTML through html/template and PDF through maroto.
type DocumentRenderer struct {
	*HTMLRenderer
}

func NewRenderer() Renderer {
	return &DocumentRenderer{HTMLRenderer: NewHTMLRenderer()}
}

func (r *DocumentRenderer) RenderPDF(doc Document) ([]byte, error) {
	doc.Seller = normalizeSeller(doc.Seller)
	inv := doc.Invoice

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(8, doc.Seller.CompanyName, props.Text{
			Size:  16,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, "Invoice", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	number := inv.Number
	if inv.Revision > 1 {
		number = fmt.Sprintf("%s (revision %d)", inv.Number, inv.Revision)
	}
	m.AddRow(22,
		col.New(6).Add(
			text.New("Invoice number: "+number, props.Text{Top: 0}),
			text.New("Date of issue: "+formatDate(inv.IssuedAt), props.Text{Top: 4}),
			text.New("Date due: "+formatDate(inv.DueAt), props.Text{Top: 8}),
			text.New("Service period: "+formatDate(inv.PeriodStart)+" to "+formatDate(inv.PeriodEnd), props.Text{Top: 12}),
		),
		col.New(6).Add(
			text.New("Bill to", props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New(doc.Customer.ID, props.Text{Top: 5, Align: align.Right}),
			text.New("Plan: "+inv.PlanName, props.Text{Top: 9, Align: align.Right}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, formatMoney(inv.Total, inv.Currency)+" due "+formatDate(inv.DueAt), props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Qty", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Unit price", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(2, line.NewCol(12))

	for _, item := range doc.Lines {
		title := item.Title
		if item.SubTitle != "" {
			title = title + " (" + item.SubTitle + ")"
		}
		m.AddRow(10,
			text.NewCol(6, title, props.Text{Size: 9}),
			text.NewCol(2, formatQuantity(item.Quantity), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.UnitPrice.StringFixed(2), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.Amount.StringFixed(2), props.Text{Size: 9, Align: align.Right}),
		)
	}

	totals := []totalRow{{label: "Subtotal", value: formatMoney(inv.Subtotal, inv.Currency)}}
	if inv.Discount.IsPositive() {
		totals = append(totals, totalRow{label: "Discount " + inv.DiscountCode, value: "-" + formatMoney(inv.Discount, inv.Currency)})
	}
	totals = append(totals,
		totalRow{label: "Tax", value: formatMoney(inv.Tax, inv.Currency)},
		totalRow{label: "Amount due", value: formatMoney(inv.Total, inv.Currency), bold: true},
	)
	for _, t := range totals {
		style := fontstyle.Normal
		if t.bold {
			style = fontstyle.Bold
		}
		m.AddRow(8,
			col.New(7),
			text.NewCol(2, t.label, props.Text{Size: 9, Style: style}),
			text.NewCol(3, t.value, props.Text{Size: 9, Style: style, Align: align.Right}),
		)
	}

	if doc.Seller.FooterNotes != "" {
		m.AddRow(15, text.NewCol(12, doc.Seller.FooterNotes, props.Text{Size: 8, Top: 5}))
	}

	pdf, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return pdf.GetBytes(), nil
}
