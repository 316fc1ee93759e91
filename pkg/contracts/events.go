package contracts

const (
	TopicOrderProcessing    = "order_processing"
	TopicOrderNotifications = "order_notifications"
	TopicInventoryUpdates   = "inventory_updates"
)

// Notification types carried in OrderNotification.Type.
const (
	NotificationOrderCreated   = "order_created"
	NotificationOrderCancelled = "order_cancelled"
	NotificationOrderUpdate    = "order_update"
)

const (
	ReasonOrderCreated   = "order_created"
	ReasonOrderCancelled = "order_cancelled"
)

// Kafka message headers.
const (
	HeaderEventID     = "event-id"
	HeaderContentType = "content-type"
	ContentTypeJSON   = "application/json"
)

// Money fields are decimal strings so consumers never parse floats.
type ProcessingItem struct {
	ProductID int64  `json:"productId"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Quantity  int    `json:"quantity"`
}

type OrderProcessingRequested struct {
	OrderID  int64            `json:"orderId"`
	UserID   int64            `json:"userId"`
	Items    []ProcessingItem `json:"items"`
	Subtotal string           `json:"subtotal"`
	Shipping string           `json:"shipping"`
	Total    string           `json:"total"`
}

type OrderNotification struct {
	Type    string `json:"type"`
	UserID  int64  `json:"userId"`
	OrderID int64  `json:"orderId"`
	Total   string `json:"total,omitempty"`
	Status  string `json:"status,omitempty"`
}

// InventoryAdjustment.Quantity is negative to consume stock, positive to restore it.
type InventoryAdjustment struct {
	ProductID int64  `json:"productId"`
	Quantity  int    `json:"quantity"`
	OrderID   int64  `json:"orderId"`
	Reason    string `json:"reason,omitempty"`
}
