package notify

import (
	"fmt"
	"strings"

	"github.com/socialboost/fulfillment/domain"
)

// RenderOrderStatusUpdate renders the message sent when an order changes
// status.
func RenderOrderStatusUpdate(order *domain.Order, from, to domain.OrderStatus) Message {
	subject := fmt.Sprintf("Order %s is now %s", order.OrderNumber, to)
	text := fmt.Sprintf("Your order %s moved from %s to %s.", order.OrderNumber, from, to)
	return Message{
		Subject:  subject,
		TextBody: text,
		HTMLBody: fmt.Sprintf("<p>%s</p>", text),
	}
}

// RenderPaymentSuccess renders the payment receipt message.
func RenderPaymentSuccess(order *domain.Order, payment *domain.Payment) Message {
	subject := fmt.Sprintf("Payment received for order %s", order.OrderNumber)
	text := fmt.Sprintf("We received your payment of %s %s for order %s. Fulfillment is starting.",
		payment.Amount.StringFixed(2), payment.Currency, order.OrderNumber)
	return Message{
		Subject:  subject,
		TextBody: text,
		HTMLBody: fmt.Sprintf("<p>%s</p>", text),
	}
}

// RenderFulfillmentRetry renders the task-retry alert.
func RenderFulfillmentRetry(order *domain.Order, task *domain.FulfillmentTask) Message {
	subject := fmt.Sprintf("A fulfillment step for order %s is being retried", order.OrderNumber)
	text := fmt.Sprintf("The step %q hit a temporary issue and will retry automatically (attempt %d of %d).",
		task.Title, task.RetryCount, task.MaxRetries)
	return Message{
		Subject:  subject,
		TextBody: text,
		HTMLBody: fmt.Sprintf("<p>%s</p>", text),
	}
}

// RenderFulfillmentCompletion renders the all-tasks-done message.
func RenderFulfillmentCompletion(order *domain.Order) Message {
	subject := fmt.Sprintf("Order %s is complete", order.OrderNumber)
	text := fmt.Sprintf("All fulfillment steps for order %s have finished.", order.OrderNumber)
	return Message{
		Subject:  subject,
		TextBody: text,
		HTMLBody: fmt.Sprintf("<p>%s</p>", text),
	}
}

// RenderAutomationAlert renders the guardrail-failure alert.
func RenderAutomationAlert(order *domain.Order, marginPercent string) Message {
	subject := fmt.Sprintf("Fulfillment margin alert on order %s", order.OrderNumber)
	text := fmt.Sprintf("A provider dispatch on order %s is running below the minimum margin (%s%%). Review the provider pricing.",
		order.OrderNumber, marginPercent)
	return Message{
		Subject:  subject,
		TextBody: text,
		HTMLBody: fmt.Sprintf("<p>%s</p>", text),
	}
}

// RenderWeeklyDigest renders the marketing digest from the week's orders.
func RenderWeeklyDigest(orders []*domain.Order) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "You placed %d order(s) this week.\n", len(orders))
	for _, o := range orders {
		fmt.Fprintf(&b, "- %s: %s %s (%s)\n", o.OrderNumber, o.Total.StringFixed(2), o.Currency, o.Status)
	}
	return Message{
		Subject:  "Your weekly order digest",
		TextBody: b.String(),
		HTMLBody: "<pre>" + b.String() + "</pre>",
	}
}
