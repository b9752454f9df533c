package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/reconcile"
)

type createOrderRequest struct {
	ShippingAddress domain.ShippingAddress `json:"shippingAddress"`
	Provider        string                 `json:"provider" binding:"required"`
}

type updateOrderRequest struct {
	Status      string `json:"status" binding:"required"`
	TrackingRef string `json:"trackingRef"`
}

type checkoutResponse struct {
	OrderID     string `json:"orderId"`
	RedirectURL string `json:"redirectUrl"`
	Provider    string `json:"provider"`
}

type lineItemResponse struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	UnitMinor int64  `json:"unitPriceMinor"`
	UnitPrice string `json:"unitPrice"`
	Qty       int64  `json:"qty"`
}

// orderResponse показывает суммы и в минорных единицах, и десятичной строкой.
type orderResponse struct {
	ID               string                 `json:"id"`
	UserID           string                 `json:"userId"`
	Status           string                 `json:"status"`
	Currency         string                 `json:"currency"`
	Items            []lineItemResponse     `json:"items"`
	SubtotalMinor    int64                  `json:"subtotalMinor"`
	ShippingFeeMinor int64                  `json:"shippingFeeMinor"`
	TotalMinor       int64                  `json:"totalMinor"`
	Subtotal         string                 `json:"subtotal"`
	ShippingFee      string                 `json:"shippingFee"`
	Total            string                 `json:"total"`
	Provider         string                 `json:"provider"`
	RedirectURL      string                 `json:"redirectUrl,omitempty"`
	CaptureID        string                 `json:"captureId,omitempty"`
	ShippingAddress  domain.ShippingAddress `json:"shippingAddress"`
	TrackingRef      string                 `json:"trackingRef,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
	PaidAt           *time.Time             `json:"paidAt,omitempty"`
	DispatchedAt     *time.Time             `json:"dispatchedAt,omitempty"`
	DeliveredAt      *time.Time             `json:"deliveredAt,omitempty"`
	CancelledAt      *time.Time             `json:"cancelledAt,omitempty"`
	PaymentFailedAt  *time.Time             `json:"paymentFailedAt,omitempty"`
	RefundedAt       *time.Time             `json:"refundedAt,omitempty"`
}

func toOrderResponse(o domain.Order) orderResponse {
	items := make([]lineItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, lineItemResponse{
			ProductID: it.ProductID,
			Name:      it.Name,
			UnitMinor: it.UnitPriceMinor,
			UnitPrice: domain.FormatMinor(it.UnitPriceMinor),
			Qty:       it.Qty,
		})
	}
	resp := orderResponse{
		ID:               o.ID,
		UserID:           o.UserID,
		Status:           string(o.Status),
		Currency:         o.Currency,
		Items:            items,
		SubtotalMinor:    o.SubtotalMinor,
		ShippingFeeMinor: o.ShippingFeeMinor,
		TotalMinor:       o.TotalMinor,
		Subtotal:         domain.FormatMinor(o.SubtotalMinor),
		ShippingFee:      domain.FormatMinor(o.ShippingFeeMinor),
		Total:            domain.FormatMinor(o.TotalMinor),
		Provider:         string(o.Provider),
		CaptureID:        o.ProviderCaptureID,
		ShippingAddress:  o.ShippingAddress,
		TrackingRef:      o.TrackingRef,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
		PaidAt:           o.PaidAt,
		DispatchedAt:     o.DispatchedAt,
		DeliveredAt:      o.DeliveredAt,
		CancelledAt:      o.CancelledAt,
		PaymentFailedAt:  o.PaymentFailedAt,
		RefundedAt:       o.RefundedAt,
	}
	// Ссылка на оплату нужна только пока заказ ждёт оплаты.
	if o.Status == domain.OrderStatusPending {
		resp.RedirectURL = o.ProviderRedirectURL
	}
	return resp
}

type timelineEventResponse struct {
	Kind   domain.TimelineKind `json:"kind"`
	From   domain.OrderStatus  `json:"from,omitempty"`
	To     domain.OrderStatus  `json:"to,omitempty"`
	Source string              `json:"source,omitempty"`
	Detail string              `json:"detail,omitempty"`
	At     time.Time           `json:"at"`
}

func toTimelineResponse(events []domain.TimelineEvent) []timelineEventResponse {
	out := make([]timelineEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, timelineEventResponse{Kind: e.Kind, From: e.From, To: e.To, Source: e.Source, Detail: e.Detail, At: e.At})
	}
	return out
}

// paymentResponse — ответ на verify/capture.
type paymentResponse struct {
	OrderID   string        `json:"orderId"`
	Status    string        `json:"status"`
	Outcome   string        `json:"outcome"`
	CaptureID string        `json:"captureId,omitempty"`
	Order     orderResponse `json:"order"`
}

func toPaymentResponse(r reconcile.Result) paymentResponse {
	return paymentResponse{
		OrderID:   r.Order.ID,
		Status:    string(r.Order.Status),
		Outcome:   string(r.Outcome),
		CaptureID: r.Order.ProviderCaptureID,
		Order:     toOrderResponse(r.Order),
	}
}
