// Package types defines the shared domain model: K-lines, orders, balances,
// position states and the grid configuration carried on trade signals.
// Everything here is a plain value type so it can travel inside event payloads
// and be persisted without translation.
package types

import "time"

// Side is the order direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the order types accepted by the exchange.
type OrderType string

const (
	Market           OrderType = "MARKET"
	Limit            OrderType = "LIMIT"
	PostOnly         OrderType = "POST_ONLY"
	Stop             OrderType = "STOP"
	TakeProfit       OrderType = "TAKE_PROFIT"
	StopMarket       OrderType = "STOP_MARKET"
	TakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the exchange-reported order lifecycle state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// PositionState is the per-symbol position of a trading task.
type PositionState string

const (
	PositionNone  PositionState = "NONE"
	PositionLong  PositionState = "LONG"
	PositionShort PositionState = "SHORT"
)

// Signal is the direction an indicator or strategy recommends.
type Signal string

const (
	SignalLong  Signal = "LONG"
	SignalShort Signal = "SHORT"
	SignalNone  Signal = "NONE"
)

// Kline is one normalised candlestick. DE converts the exchange's positional
// array format into this shape before anything else sees it.
type Kline struct {
	OpenTime int64   `json:"timestamp"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	IsClosed bool    `json:"is_closed"`
}

// Order is the local record of an exchange order. OrderID is empty until the
// exchange acknowledges; ClientOrderID is assigned locally and is the stable
// correlation key across submit, fill and cancel events.
type Order struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	TaskID        string      `json:"task_id"`
	UserID        string      `json:"user_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	FilledQty     float64     `json:"filled_quantity"`
	AvgPrice      float64     `json:"avg_price"`
	Status        OrderStatus `json:"status"`
	IsGridOrder   bool        `json:"is_grid_order"`
	GridPairID    string      `json:"grid_pair_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	FilledAt      time.Time   `json:"filled_at,omitempty"`
}

// OrderRequest is the parameter set for a new order submission.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Price         float64
	Quantity      float64
	ReduceOnly    bool
	ClientOrderID string
}

// OrderAck is the exchange's acknowledgement of an accepted order.
type OrderAck struct {
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Symbol        string      `json:"symbol"`
	Status        OrderStatus `json:"status"`
}

// Balance is one asset's futures wallet balance.
type Balance struct {
	Asset     string  `json:"asset"`
	Total     float64 `json:"balance,string"`
	Available float64 `json:"availableBalance,string"`
}

// TaskRecord is the persisted row for a trading task.
type TaskRecord struct {
	TaskID     string
	UserID     string
	Symbol     string
	Side       Side
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64
	Status     string
	CreatedAt  time.Time
	ClosedAt   time.Time
}

// GridConfig is the grid-trading section of a strategy file. It is carried
// verbatim on st.signal.generated so the trade executor can pick a mode
// without re-reading configuration.
type GridConfig struct {
	Enabled    bool    `json:"enabled" mapstructure:"enabled"`
	GridType   string  `json:"grid_type" mapstructure:"grid_type"` // "normal" or "abnormal"
	Ratio      float64 `json:"ratio" mapstructure:"ratio"`         // entry capital share, (0,1]
	GridLevels int     `json:"grid_levels" mapstructure:"grid_levels"`
	UpperPrice float64 `json:"upper_price" mapstructure:"upper_price"`
	LowerPrice float64 `json:"lower_price" mapstructure:"lower_price"`
	MoveUp     bool    `json:"move_up" mapstructure:"move_up"`
	MoveDown   bool    `json:"move_down" mapstructure:"move_down"`
}
