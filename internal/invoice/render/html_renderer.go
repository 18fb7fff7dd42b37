package render

import (
	"bytes"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const invoiceHTMLTemplate = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Invoice {{.Invoice.Number}}</title>
  <style>
    :root {
      --primary: {{.Seller.PrimaryColor}};
      --font: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 40px;
      font-family: var(--font);
      color: #1a1f36;
      background: #f7f9fc;
      -webkit-font-smoothing: antialiased;
    }
    .invoice-card {
      background: #ffffff;
      max-width: 760px;
      margin: 0 auto;
      padding: 60px;
      box-shadow: 0 2px 5px rgba(0,0,0,0.04);
      border-radius: 4px;
    }
    .header {
      display: flex;
      justify-content: space-between;
      margin-bottom: 40px;
    }
    .header-left h1 {
      margin: 0;
      font-size: 24px;
      font-weight: 700;
      color: #1a1f36;
    }
    .header-right {
      text-align: right;
      font-weight: 600;
      color: #8792a2;
      font-size: 16px;
    }
    
    .meta-grid {
      display: flex;
      justify-content: space-between;
      margin-bottom: 40px;
    }
    .col {
      flex: 1;
    }
    .label {
      font-size: 11px;
      text-transform: uppercase;
      color: #8792a2;
      margin-bottom: 6px;
      font-weight: 600;
      letter-spacing: 0.3px;
    }
    .value {
      font-size: 14px;
      line-height: 1.5;
      color: #1a1f36;
    }
    
    .amount-section {
      margin-bottom: 40px;
    }
    .amount-large {
      font-size: 32px;
      font-weight: 700;
      color: #1a1f36;
      margin-bottom: 4px;
    }
    .pay-link {
      font-size: 13px;
      color: #006aff;
      text-decoration: none;
      font-weight: 500;
    }
    
    table {
      width: 100%;
      border-collapse: collapse;
      margin-bottom: 30px;
    }
    th {
      text-align: left;
      text-transform: uppercase;
      font-size: 11px;
      color: #8792a2;
      border-bottom: 1px solid #e3e8ee;
      padding: 10px 0;
      font-weight: 600;
      letter-spacing: 0.3px;
    }
    td {
      padding: 16px 0;
      border-bottom: 1px solid #e3e8ee;
      font-size: 14px;
      color: #1a1f36;
      vertical-align: top;
    }
    .td-right { text-align: right; }
    
    .item-title { font-weight: 600; margin-bottom: 2px; }
    .item-sub { font-size: 12px; color: #697386; }
    
    .totals {
      width: 100%;
      display: flex;
      flex-direction: column;
      align-items: flex-end;
    }
    .total-row {
      display: flex;
      justify-content: space-between;
      width: 250px;
      padding: 6px 0;
      font-size: 14px;
    }
    .total-label { color: #697386; }
    .total-value { color: #1a1f36; text-align: right; font-weight: 500; }
    .total-final {
      border-top: 1px solid #e3e8ee;
      margin-top: 10px;
      padding-top: 10px;
      font-weight: 700;
      font-size: 16px;
      color: #1a1f36;
    }
    
    .footer {
      margin-top: 60px;
      font-size: 12px;
      color: #8792a2;
      border-top: 1px solid #e3e8ee;
      padding-top: 20px;
    }
    
    /* Spacer utility */
    .mt-4 { margin-top: 4px; }
  </style>
</head>
<body>
  <div class="invoice-card">
    <div class="header">
      <div class="header-left">
        <div class="label">Invoice</div>
        <div class="value">{{.Invoice.Number}}{{if gt .Invoice.Revision 1}} (revision {{.Invoice.Revision}}){{end}}</div>
      </div>
      <div class="header-right">
        {{if .Seller.LogoURL}}
          <img src="{{.Seller.LogoURL}}" style="max-height: 40px;" alt="{{.Seller.CompanyName}}">
        {{else}}
          {{.Seller.CompanyName}}
        {{end}}
      </div>
    </div>

    <div class="meta-grid">
      <div class="col">
        <div class="label">Bill to</div>
        <div class="value"><strong>{{.Customer.ID}}</strong></div>
      </div>
      <div class="col">
        <div class="label">Service period</div>
        <div class="value">{{formatDate .Invoice.PeriodStart}} to {{formatDate .Invoice.PeriodEnd}}</div>
      </div>
      <div class="col">
        <div class="label">Issued</div>
        <div class="value">{{formatDate .Invoice.IssuedAt}}</div>
      </div>
    </div>

    <div class="amount-section">
      <div class="amount-large">{{formatMoney .Invoice.Total .Invoice.Currency}}</div>
      <div class="value" style="color: #697386; margin-bottom: 8px;">due {{formatDate .Invoice.DueAt}} &middot; {{.Invoice.Status}}</div>
    </div>

    <table>
      <thead>
        <tr>
          <th>Description</th>
          <th class="td-right">Qty</th>
          <th class="td-right">Unit price</th>
          <th class="td-right">Amount</th>
        </tr>
      </thead>
      <tbody>
        {{range .Lines}}
        <tr>
          <td>
            <div class="item-title">{{.Title}}</div>
            {{if .SubTitle}}<div class="item-sub">{{.SubTitle}}</div>{{end}}
          </td>
          <td class="td-right">{{formatQuantity .Quantity}}</td>
          <td class="td-right">{{formatMoney .UnitPrice $.Invoice.Currency}}</td>
          <td class="td-right" style="font-weight: 500;">{{formatMoney .Amount $.Invoice.Currency}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>

    <div class="totals">
      <div class="total-row"><span>Subtotal</span><span class="total-value">{{formatMoney .Invoice.Subtotal .Invoice.Currency}}</span></div>
      {{if .Invoice.Discount.IsPositive}}
      <div class="total-row"><span>Discount {{.Invoice.DiscountCode}}</span><span class="total-value">-{{formatMoney .Invoice.Discount .Invoice.Currency}}</span></div>
      {{end}}
      <div class="total-row"><span>Tax</span><span class="total-value">{{formatMoney .Invoice.Tax .Invoice.Currency}}</span></div>
      <div class="total-row grand"><span>Amount due</span><span class="total-value">{{formatMoney .Invoice.Total .Invoice.Currency}}</span></div>
    </div>

    {{if .Seller.FooterNotes}}
    <div class="footer">{{.Seller.FooterNotes}}</div>
    {{end}}
  </div>
</body>
</html>
`

var (
	hexColorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

type HTMLRenderer struct {
	tpl *template.Template
}

func NewHTMLRenderer() *HTMLRenderer {
	funcs := template.FuncMap{
		"formatMoney":    formatMoney,
		"formatDate":     formatDate,
		"formatQuantity": formatQuantity,
	}
	return &HTMLRenderer{
		tpl: template.Must(template.New("invoice").Funcs(funcs).Parse(invoiceHTMLTemplate)),
	}
}

func (r *HTMLRenderer) RenderHTML(doc Document) (string, error) {
	doc.Seller = normalizeSeller(doc.Seller)

	var buf bytes.Buffer
	if err := r.tpl.Execute(&buf, doc); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func normalizeSeller(seller SellerView) SellerView {
	seller.PrimaryColor = sanitizeColor(seller.PrimaryColor)
	if strings.TrimSpace(seller.CompanyName) == "" {
		seller.CompanyName = "Invoice"
	}
	return seller
}

func formatMoney(amount decimal.Decimal, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%s %s", currency, amount.StringFixed(2))
}

func formatDate(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format("2006-01-02")
}

func formatQuantity(value decimal.Decimal) string {
	return value.Round(6).String()
}

func sanitizeColor(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "#111827"
	}
	if hexColorPattern.MatchString(trimmed) {
		return trimmed
	}
	return "#111827"
}
