package domain

// Table persisted record set a change event refers to.
type Table string

const (
	TablePortfolios   Table = "portfolios"
	TableTransactions Table = "transactions"
	TableOrders       Table = "orders"
)

// EventType kind of row change.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
	// EventTruncate every row of the table for the user was removed.
	EventTruncate EventType = "truncate"
)

// ChangeEvent a change notification delivered by a store's realtime feed.
// Exactly one of the row fields matches Table; it is nil for truncate events.
type ChangeEvent struct {
	Type        EventType    `json:"event_type"`
	Table       Table        `json:"table"`
	UserID      string       `json:"user_id"`
	Portfolio   *Portfolio   `json:"portfolio,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Order       *Order       `json:"order,omitempty"`
}

// ConnectionStatus state of the realtime channel.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)
