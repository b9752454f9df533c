package domain

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// OrderStatus описывает жизненный цикл заказа при оформлении и исполнении.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, остатки зарезервированы, оплата ещё не подтверждена.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid — провайдер подтвердил списание.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing — заказ принят в работу складом.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusPackagePacked — посылка собрана.
	OrderStatusPackagePacked OrderStatus = "package_packed"
	// OrderStatusDispatched — посылка передана перевозчику.
	OrderStatusDispatched OrderStatus = "dispatched"
	// OrderStatusInTransit — посылка в пути.
	OrderStatusInTransit OrderStatus = "in_transit"
	// OrderStatusDelivered — заказ вручён покупателю.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён до оплаты.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusPaymentFailed — провайдер окончательно отклонил оплату.
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
	// OrderStatusRefunded — деньги возвращены покупателю.
	OrderStatusRefunded OrderStatus = "refunded"
)

// LineItem — позиция заказа с замороженной на момент оформления ценой.
type LineItem struct {
	ProductID string
	// Name денормализован, чтобы заказ читался и после удаления товара из каталога.
	Name           string
	UnitPriceMinor int64
	Qty            int64
}

// SubtotalMinor возвращает стоимость позиции.
func (i LineItem) SubtotalMinor() int64 {
	return i.UnitPriceMinor * i.Qty
}

// ShippingAddress — адрес доставки, неизменяемый после создания заказа.
type ShippingAddress struct {
	FullName   string `json:"fullName" validate:"required,max=200"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,max=100"`
	Region     string `json:"region,omitempty" validate:"max=100"`
	PostalCode string `json:"postalCode" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,iso3166_1_alpha2"`
	Phone      string `json:"phone,omitempty" validate:"omitempty,e164"`
}

var addressValidator = validator.New()

// Validate проверяет адрес по тегам validate.
func (a ShippingAddress) Validate() error {
	if err := addressValidator.Struct(a); err != nil {
		return &ValidationError{Err: ErrAddressInvalid, Cause: err}
	}
	return nil
}

// ValidationError сохраняет исходную ошибку валидатора.
type ValidationError struct {
	Err   error
	Cause error
}

func (e *ValidationError) Error() string { return e.Err.Error() + ": " + e.Cause.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// Order агрегирует состояние заказа, платёжной сессии и отметки времени переходов.
type Order struct {
	ID     string
	UserID string
	Items  []LineItem

	Currency         string
	SubtotalMinor    int64
	ShippingFeeMinor int64
	TotalMinor       int64

	Status OrderStatus

	Provider            PaymentProvider
	ProviderSessionID   string
	ProviderRedirectURL string
	ProviderCaptureID   string
	ProviderStatus      string

	ShippingAddress ShippingAddress
	TrackingRef     string

	// StockReleased выставляется ровно один раз при возврате зарезервированных остатков.
	StockReleased bool
	Version       int64

	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ProcessingAt    *time.Time
	PackedAt        *time.Time
	DispatchedAt    *time.Time
	InTransitAt     *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	PaymentFailedAt *time.Time
	RefundedAt      *time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.ShippingFeeMinor < 0 {
		errs = append(errs, ErrShippingFeeNegative)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrUnknownStatus)
	}

	var subtotal int64
	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		subtotal += item.SubtotalMinor()
	}
	if subtotal != o.SubtotalMinor || subtotal+o.ShippingFeeMinor != o.TotalMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// OwnedBy сообщает, принадлежит ли заказ пользователю.
func (o *Order) OwnedBy(userID string) bool {
	return userID != "" && o.UserID == userID
}

// StatusChangedAt возвращает отметку времени перехода в указанный статус.
func (o *Order) StatusChangedAt(status OrderStatus) *time.Time {
	switch status {
	case OrderStatusPending:
		created := o.CreatedAt
		return &created
	case OrderStatusPaid:
		return o.PaidAt
	case OrderStatusProcessing:
		return o.ProcessingAt
	case OrderStatusPackagePacked:
		return o.PackedAt
	case OrderStatusDispatched:
		return o.DispatchedAt
	case OrderStatusInTransit:
		return o.InTransitAt
	case OrderStatusDelivered:
		return o.DeliveredAt
	case OrderStatusCancelled:
		return o.CancelledAt
	case OrderStatusPaymentFailed:
		return o.PaymentFailedAt
	case OrderStatusRefunded:
		return o.RefundedAt
	default:
		return nil
	}
}

// stamp проставляет отметку времени для статуса.
func (o *Order) stamp(status OrderStatus, at time.Time) {
	t := at
	switch status {
	case OrderStatusPaid:
		o.PaidAt = &t
	case OrderStatusProcessing:
		o.ProcessingAt = &t
	case OrderStatusPackagePacked:
		o.PackedAt = &t
	case OrderStatusDispatched:
		o.DispatchedAt = &t
	case OrderStatusInTransit:
		o.InTransitAt = &t
	case OrderStatusDelivered:
		o.DeliveredAt = &t
	case OrderStatusCancelled:
		o.CancelledAt = &t
	case OrderStatusPaymentFailed:
		o.PaymentFailedAt = &t
	case OrderStatusRefunded:
		o.RefundedAt = &t
	}
}
