package session

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/safesats/safesats/internal/domain"
)

// View read-only projection of a session's local state.
type View struct {
	UserID            string                   `json:"user_id"`
	Portfolio         *domain.Portfolio        `json:"portfolio,omitempty"`
	Display           *domain.PortfolioDisplay `json:"display,omitempty"`
	Valuation         domain.Valuation         `json:"valuation"`
	Transactions      []domain.Transaction     `json:"transactions"`
	PendingOrders     []domain.Order           `json:"pending_orders"`
	CurrentPrice      decimal.Decimal          `json:"current_price"`
	PriceData         *domain.PriceSnapshot    `json:"price_data,omitempty"`
	PriceStale        bool                     `json:"price_stale"`
	PriceError        string                   `json:"price_error,omitempty"`
	Loading           bool                     `json:"loading"`
	RealtimeConnected bool                     `json:"realtime_connected"`
	ConnectionStatus  domain.ConnectionStatus  `json:"connection_status"`
}

// State owns the local copy of one user's portfolio, history, pending orders
// and price. Local writes and pushed rows go through the same methods and are
// applied by primary key; a pushed portfolio row replaces the local one wholesale
// unless it is older than what is already held.
type State struct {
	mu sync.RWMutex

	userID       string
	portfolio    domain.Portfolio
	hasPortfolio bool
	transactions []domain.Transaction
	orders       []domain.Order
	price        domain.PriceSnapshot
	hasPrice     bool
	valuation    domain.Valuation
	priceErr     error
	loading      bool
	status       domain.ConnectionStatus
	fiatPlaces   int32
	historySize  int
}

// NewState creates an empty state in loading mode. historySize bounds the cached
// transaction list; fiatPlaces is the display precision of fiat values.
func NewState(userID string, historySize int, fiatPlaces int32) *State {
	return &State{
		userID:      userID,
		loading:     true,
		status:      domain.StatusDisconnected,
		fiatPlaces:  fiatPlaces,
		historySize: historySize,
	}
}

// Populate installs a persisted snapshot. The whole snapshot is dropped when
// the local portfolio is already at a newer version: pushed rows applied since
// the read are more recent than every part of it. It reports whether the
// snapshot was installed.
func (s *State) Populate(snap domain.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loading = false
	if !snap.Exists || (s.hasPortfolio && snap.Portfolio.Version < s.portfolio.Version) {
		return false
	}

	s.replacePortfolioLocked(snap.Portfolio)

	s.transactions = append([]domain.Transaction(nil), snap.Transactions...)
	s.trimLocked()

	s.orders = s.orders[:0]
	for _, o := range snap.Orders {
		if o.IsPending() {
			s.orders = append(s.orders, o)
		}
	}

	return true
}

// SetLoading toggles the loading flag.
func (s *State) SetLoading(loading bool) {
	s.mu.Lock()
	s.loading = loading
	s.mu.Unlock()
}

// ApplyCommit applies the result of a local write.
func (s *State) ApplyCommit(c domain.Commit) {
	for _, ev := range c.Changes(false, false) {
		s.ApplyChange(ev)
	}
}

// ApplyChange folds one change event into the state. It reports whether
// anything changed.
func (s *State) ApplyChange(ev domain.ChangeEvent) bool {
	if ev.UserID != "" && ev.UserID != s.userID {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Table {
	case domain.TablePortfolios:
		return s.applyPortfolioLocked(ev)
	case domain.TableTransactions:
		return s.applyTransactionLocked(ev)
	case domain.TableOrders:
		return s.applyOrderLocked(ev)
	}
	return false
}

func (s *State) applyPortfolioLocked(ev domain.ChangeEvent) bool {
	switch ev.Type {
	case domain.EventInsert, domain.EventUpdate:
		if ev.Portfolio == nil {
			return false
		}
		return s.replacePortfolioLocked(*ev.Portfolio)
	case domain.EventDelete, domain.EventTruncate:
		s.portfolio = domain.Portfolio{}
		s.hasPortfolio = false
		s.revalueLocked()
		return true
	}
	return false
}

func (s *State) replacePortfolioLocked(p domain.Portfolio) bool {
	if s.hasPortfolio && p.Version < s.portfolio.Version {
		return false
	}
	s.portfolio = p
	s.hasPortfolio = true
	s.revalueLocked()
	return true
}

func (s *State) applyTransactionLocked(ev domain.ChangeEvent) bool {
	switch ev.Type {
	case domain.EventTruncate:
		s.transactions = nil
		return true
	case domain.EventDelete:
		if ev.Transaction == nil {
			return false
		}
		return s.removeTransactionLocked(ev.Transaction.ID)
	case domain.EventInsert, domain.EventUpdate:
		if ev.Transaction == nil {
			return false
		}
		tx := *ev.Transaction
		for i := range s.transactions {
			if s.transactions[i].ID == tx.ID {
				s.transactions[i] = tx
				return true
			}
		}
		s.transactions = append([]domain.Transaction{tx}, s.transactions...)
		s.trimLocked()
		return true
	}
	return false
}

func (s *State) removeTransactionLocked(id string) bool {
	for i := range s.transactions {
		if s.transactions[i].ID == id {
			s.transactions = append(s.transactions[:i], s.transactions[i+1:]...)
			return true
		}
	}
	return false
}

func (s *State) applyOrderLocked(ev domain.ChangeEvent) bool {
	switch ev.Type {
	case domain.EventTruncate:
		s.orders = nil
		return true
	case domain.EventDelete:
		if ev.Order == nil {
			return false
		}
		return s.removeOrderLocked(ev.Order.ID)
	case domain.EventInsert, domain.EventUpdate:
		if ev.Order == nil {
			return false
		}
		o := *ev.Order
		if !o.IsPending() {
			return s.removeOrderLocked(o.ID)
		}
		for i := range s.orders {
			if s.orders[i].ID == o.ID {
				s.orders[i] = o
				return true
			}
		}
		s.orders = append(s.orders, o)
		return true
	}
	return false
}

func (s *State) removeOrderLocked(id string) bool {
	for i := range s.orders {
		if s.orders[i].ID == id {
			s.orders = append(s.orders[:i], s.orders[i+1:]...)
			return true
		}
	}
	return false
}

// SetPrice records a new snapshot and revalues the portfolio.
func (s *State) SetPrice(snap domain.PriceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.price = snap
	s.hasPrice = true
	s.priceErr = nil
	s.revalueLocked()
}

// SetPriceError records a failed poll; the last known price and valuation are kept.
func (s *State) SetPriceError(err error) {
	s.mu.Lock()
	s.priceErr = err
	s.mu.Unlock()
}

// SetStatus records the realtime connection state.
func (s *State) SetStatus(status domain.ConnectionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Portfolio returns the local portfolio, false before it was loaded.
func (s *State) Portfolio() (domain.Portfolio, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.portfolio, s.hasPortfolio
}

// View returns a copy of the state. stale is the feed's staleness flag.
func (s *State) View(stale bool) View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		UserID:            s.userID,
		Valuation:         s.valuation,
		Transactions:      append([]domain.Transaction{}, s.transactions...),
		PendingOrders:     append([]domain.Order{}, s.orders...),
		PriceStale:        stale,
		Loading:           s.loading,
		RealtimeConnected: s.status == domain.StatusConnected,
		ConnectionStatus:  s.status,
	}
	if s.hasPortfolio {
		p := s.portfolio
		p.Valuation = s.valuation
		d := p.Display(s.fiatPlaces)
		v.Portfolio = &p
		v.Display = &d
	}
	if s.hasPrice {
		snap := s.price
		v.PriceData = &snap
		v.CurrentPrice = snap.SpotPriceLocal
	}
	if s.priceErr != nil {
		v.PriceError = domain.ErrorCode(s.priceErr)
	}

	return v
}

// revalueLocked recomputes the valuation from the latest portfolio and price.
// Without a price the valuation stays unavailable.
func (s *State) revalueLocked() {
	if !s.hasPortfolio || !s.hasPrice {
		s.valuation = domain.Valuation{}
		return
	}
	p := s.portfolio
	s.valuation = domain.Valuate(p.FiatBalance, p.AssetBalance, s.price.SpotPriceLocal, p.InitialValue)
}

func (s *State) trimLocked() {
	if s.historySize > 0 && len(s.transactions) > s.historySize {
		s.transactions = s.transactions[:s.historySize]
	}
}
