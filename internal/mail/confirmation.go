package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryLeadTime is the estimated delay between order and delivery shown in
// confirmation emails.
const DeliveryLeadTime = 5 * 24 * time.Hour

type Line struct {
	Title     string
	Quantity  int
	UnitPrice decimal.Decimal
}

func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// OrderConfirmation is the data rendered into the confirmation email.
type OrderConfirmation struct {
	OrderNumber  string
	CustomerName string
	Lines        []Line
	ShippingCost decimal.Decimal
	Total        decimal.Decimal
	PlacedAt     time.Time
}

func (c OrderConfirmation) EstimatedDelivery() time.Time {
	return c.PlacedAt.Add(DeliveryLeadTime)
}

// Message is a rendered email ready to be sent.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"htmlContent"`
}

var confirmationTmpl = template.Must(template.New("confirmation").Funcs(template.FuncMap{
	"money": func(d decimal.Decimal) string { return d.StringFixed(2) + " €" },
	"date":  func(t time.Time) string { return t.Format("02/01/2006") },
}).Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #1f2937;">
  <h1>Merci pour votre commande{{if .CustomerName}}, {{.CustomerName}}{{end}} !</h1>
  <p>Numéro de commande : <strong>{{.OrderNumber}}</strong></p>
  <table cellpadding="6" style="border-collapse: collapse;">
    <tr><th align="left">Article</th><th>Qté</th><th align="right">Prix</th></tr>
    {{- range .Lines}}
    <tr><td>{{.Title}}</td><td align="center">{{.Quantity}}</td><td align="right">{{money .Total}}</td></tr>
    {{- end}}
    <tr><td colspan="2">Livraison</td><td align="right">{{if .ShippingCost.IsZero}}Gratuite{{else}}{{money .ShippingCost}}{{end}}</td></tr>
    <tr><td colspan="2"><strong>Total</strong></td><td align="right"><strong>{{money .Total}}</strong></td></tr>
  </table>
  <p>Livraison estimée le {{date .EstimatedDelivery}}.</p>
</body>
</html>
`))

// RenderOrderConfirmation builds the confirmation email for recipient.
func RenderOrderConfirmation(recipient string, data OrderConfirmation) (Message, error) {
	var buf bytes.Buffer
	if err := confirmationTmpl.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("render confirmation email: %w", err)
	}
	return Message{
		To:      recipient,
		Subject: fmt.Sprintf("Confirmation de commande %s", data.OrderNumber),
		HTML:    buf.String(),
	}, nil
}
