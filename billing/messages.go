package billing

import (
	"fmt"
	"html"
)

// Plain HTML bodies for resident notices. Layout belongs to the mail
// templates of the notification sender; these carry only the facts.

func bookingConfirmationMessage(p Payment, room Room) (string, string) {
	subject := "Your room booking is confirmed"
	body := fmt.Sprintf(
		"<p>Your payment <strong>%s</strong> has been confirmed.</p>"+
			"<p>Room: %s<br>Amount paid: %s<br>Outstanding balance: %s</p>",
		html.EscapeString(p.Reference),
		html.EscapeString(roomLabel(room)),
		p.AmountPaid.StringFixed(2),
		p.Owed().StringFixed(2),
	)
	return subject, body
}

func topUpReceiptMessage(p Payment, room Room) (string, string) {
	subject := "Balance payment received"
	body := fmt.Sprintf(
		"<p>We received your payment <strong>%s</strong> of %s for room %s.</p>"+
			"<p>Total paid: %s<br>Outstanding balance: %s</p>",
		html.EscapeString(p.Reference),
		p.Amount.StringFixed(2),
		html.EscapeString(roomLabel(room)),
		p.AmountPaid.StringFixed(2),
		p.Owed().StringFixed(2),
	)
	return subject, body
}

func accessCodeMessage(code string, room Room) (string, string) {
	subject := "Your hostel check-in code"
	body := fmt.Sprintf(
		"<p>Present this code at check-in for room %s:</p><h2>%s</h2>",
		html.EscapeString(roomLabel(room)),
		html.EscapeString(code),
	)
	return subject, body
}

func roomLabel(r Room) string {
	if r.Number != "" {
		return r.Number
	}
	return r.ID
}
