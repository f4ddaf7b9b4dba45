package domain

// Ledger the persisted state of one user that an operation may read before committing.
type Ledger struct {
	Portfolio Portfolio
	// Exists is false when the user has no portfolio row yet.
	Exists bool
	// Orders pending limit orders, oldest first.
	Orders []Order
}

// FindOrder returns the pending order with the given id.
func (l Ledger) FindOrder(id string) (Order, bool) {
	for _, o := range l.Orders {
		if o.ID == id {
			return o, true
		}
	}
	return Order{}, false
}

// Commit one atomic unit of change for a single user.
// Stores persist all parts together or none of them.
type Commit struct {
	Portfolio   Portfolio    `json:"portfolio"`
	Transaction *Transaction `json:"transaction,omitempty"`
	// Order is inserted or updated by id.
	Order *Order `json:"order,omitempty"`
	// Reset clears the user's transactions and orders before applying the portfolio.
	Reset bool `json:"reset,omitempty"`
}

// Changes returns the realtime events describing c. created tells whether the
// portfolio row was inserted, orderExisted whether c.Order replaced a row.
func (c Commit) Changes(created, orderExisted bool) []ChangeEvent {
	userID := c.Portfolio.UserID
	var events []ChangeEvent

	if c.Reset {
		events = append(events,
			ChangeEvent{Type: EventTruncate, Table: TableTransactions, UserID: userID},
			ChangeEvent{Type: EventTruncate, Table: TableOrders, UserID: userID},
		)
	}
	if c.Transaction != nil {
		tx := *c.Transaction
		events = append(events, ChangeEvent{Type: EventInsert, Table: TableTransactions, UserID: userID, Transaction: &tx})
	}
	if c.Order != nil {
		o := *c.Order
		typ := EventInsert
		if orderExisted {
			typ = EventUpdate
		}
		events = append(events, ChangeEvent{Type: typ, Table: TableOrders, UserID: userID, Order: &o})
	}

	p := c.Portfolio
	typ := EventUpdate
	if created {
		typ = EventInsert
	}
	events = append(events, ChangeEvent{Type: typ, Table: TablePortfolios, UserID: userID, Portfolio: &p})

	return events
}

// Snapshot a consistent read of one user's persisted state, taken at a single
// portfolio version.
type Snapshot struct {
	Portfolio Portfolio
	Exists    bool
	// Transactions most recent first.
	Transactions []Transaction
	// Orders pending limit orders, oldest first.
	Orders []Order
}
