package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"orderflow/internal/schema"
	"orderflow/pkg/conn"
)

type statusStamp struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

type orderModel struct {
	ID             string          `gorm:"column:id;primaryKey;size:64"`
	CorrelationID  string          `gorm:"column:correlation_id;size:64"`
	ClientOrderID  string          `gorm:"column:client_order_id;size:64"`
	StrategyID     string          `gorm:"column:strategy_id;size:64"`
	Symbol         string          `gorm:"column:symbol;size:32;index"`
	Side           string          `gorm:"column:side;size:8"`
	Type           string          `gorm:"column:type;size:16"`
	TimeInForce    string          `gorm:"column:time_in_force;size:8"`
	Quantity       decimal.Decimal `gorm:"column:quantity;type:numeric"`
	LimitPrice     decimal.Decimal `gorm:"column:limit_price;type:numeric"`
	StopPrice      decimal.Decimal `gorm:"column:stop_price;type:numeric"`
	ReferencePrice decimal.Decimal `gorm:"column:reference_price;type:numeric"`
	FilledQty      decimal.Decimal `gorm:"column:filled_qty;type:numeric"`
	AvgFillPrice   decimal.Decimal `gorm:"column:avg_fill_price;type:numeric"`
	Status         string          `gorm:"column:status;size:24;index"`
	Triggered      bool            `gorm:"column:triggered"`
	Reason         string          `gorm:"column:reason"`
	Timestamps     []statusStamp   `gorm:"column:timestamps;serializer:json"`
	AcceptedAt     time.Time       `gorm:"column:accepted_at;index"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (orderModel) TableName() string { return "orders" }

type fillModel struct {
	ID         string          `gorm:"column:id;primaryKey;size:64"`
	OrderID    string          `gorm:"column:order_id;size:64;index"`
	StrategyID string          `gorm:"column:strategy_id;size:64"`
	Symbol     string          `gorm:"column:symbol;size:32;index"`
	Side       string          `gorm:"column:side;size:8"`
	Quantity   decimal.Decimal `gorm:"column:quantity;type:numeric"`
	Price      decimal.Decimal `gorm:"column:price;type:numeric"`
	Commission decimal.Decimal `gorm:"column:commission;type:numeric"`
	FilledAt   time.Time       `gorm:"column:filled_at;index"`
}

func (fillModel) TableName() string { return "fills" }

type positionRow struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	LastPrice   decimal.Decimal `json:"last_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

type snapshotModel struct {
	ID             uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	Cash           decimal.Decimal `gorm:"column:cash;type:numeric"`
	Equity         decimal.Decimal `gorm:"column:equity;type:numeric"`
	PeakEquity     decimal.Decimal `gorm:"column:peak_equity;type:numeric"`
	DayStartEquity decimal.Decimal `gorm:"column:day_start_equity;type:numeric"`
	RealizedPnL    decimal.Decimal `gorm:"column:realized_pnl;type:numeric"`
	UnrealizedPnL  decimal.Decimal `gorm:"column:unrealized_pnl;type:numeric"`
	Exposure       decimal.Decimal `gorm:"column:exposure;type:numeric"`
	FillCount      uint64          `gorm:"column:fill_count"`
	Positions      []positionRow   `gorm:"column:positions;serializer:json"`
	TakenAt        time.Time       `gorm:"column:taken_at;index"`
}

func (snapshotModel) TableName() string { return "portfolio_snapshots" }

// Postgres persists through gorm.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres wraps a connected client, migrating tables when migrate is set.
func NewPostgres(client *conn.Client, migrate bool) (*Postgres, error) {
	db := client.DB()
	if db == nil {
		return nil, fmt.Errorf("store: nil postgres client")
	}
	if migrate {
		if err := db.AutoMigrate(&orderModel{}, &fillModel{}, &snapshotModel{}); err != nil {
			return nil, fmt.Errorf("store: migrate: %w", err)
		}
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) SaveOrder(ctx context.Context, o schema.Order) error {
	m := toOrderModel(o)
	return p.db.WithContext(ctx).Save(&m).Error
}

func (p *Postgres) SaveFill(ctx context.Context, f schema.Fill) error {
	m := fillModel{
		ID:         f.ID,
		OrderID:    f.OrderID,
		StrategyID: f.StrategyID,
		Symbol:     f.Symbol,
		Side:       f.Side.String(),
		Quantity:   f.Quantity,
		Price:      f.Price,
		Commission: f.Commission,
		FilledAt:   f.Timestamp,
	}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
}

func (p *Postgres) LoadOpenOrders(ctx context.Context) ([]schema.Order, error) {
	open := []string{
		schema.StatusPending.String(),
		schema.StatusSubmitted.String(),
		schema.StatusPartiallyFilled.String(),
	}
	var rows []orderModel
	err := p.db.WithContext(ctx).
		Where("status IN ?", open).
		Order("accepted_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]schema.Order, 0, len(rows))
	for _, row := range rows {
		o, err := fromOrderModel(row)
		if err != nil {
			return nil, fmt.Errorf("store: order %s: %w", row.ID, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (p *Postgres) SavePositionSnapshot(ctx context.Context, snap schema.PortfolioSnapshot) error {
	m := snapshotModel{
		Cash:           snap.Cash,
		Equity:         snap.Equity,
		PeakEquity:     snap.PeakEquity,
		DayStartEquity: snap.DayStartEquity,
		RealizedPnL:    snap.RealizedPnL,
		UnrealizedPnL:  snap.UnrealizedPnL,
		Exposure:       snap.Exposure,
		FillCount:      snap.FillCount,
		TakenAt:        snap.UpdatedAt,
	}
	for _, pos := range snap.Positions {
		m.Positions = append(m.Positions, positionRow{
			Symbol:      pos.Symbol,
			Quantity:    pos.Quantity,
			AvgCost:     pos.AvgCost,
			LastPrice:   pos.LastPrice,
			RealizedPnL: pos.RealizedPnL,
		})
	}
	return p.db.WithContext(ctx).Create(&m).Error
}

func toOrderModel(o schema.Order) orderModel {
	m := orderModel{
		ID:             o.ID,
		CorrelationID:  o.CorrelationID,
		ClientOrderID:  o.Request.ClientOrderID,
		StrategyID:     o.Request.StrategyID,
		Symbol:         o.Request.Symbol,
		Side:           o.Request.Side.String(),
		Type:           o.Request.Type.String(),
		TimeInForce:    o.Request.TimeInForce.String(),
		Quantity:       o.Request.Quantity,
		LimitPrice:     o.Request.LimitPrice,
		StopPrice:      o.Request.StopPrice,
		ReferencePrice: o.Request.ReferencePrice,
		FilledQty:      o.FilledQty,
		AvgFillPrice:   o.AvgFillPrice,
		Status:         o.Status.String(),
		Triggered:      o.Triggered,
		Reason:         o.Reason,
		AcceptedAt:     o.AcceptedAt,
		UpdatedAt:      time.Now().UTC(),
	}
	for _, ts := range o.Timestamps {
		m.Timestamps = append(m.Timestamps, statusStamp{Status: ts.Status.String(), Time: ts.Time})
	}
	return m
}

func fromOrderModel(m orderModel) (schema.Order, error) {
	side, err := schema.ParseSide(m.Side)
	if err != nil {
		return schema.Order{}, err
	}
	typ, err := schema.ParseOrderType(m.Type)
	if err != nil {
		return schema.Order{}, err
	}
	tif, err := schema.ParseTimeInForce(m.TimeInForce)
	if err != nil {
		return schema.Order{}, err
	}
	status, err := schema.ParseOrderStatus(m.Status)
	if err != nil {
		return schema.Order{}, err
	}
	o := schema.Order{
		ID:            m.ID,
		CorrelationID: m.CorrelationID,
		Request: schema.OrderRequest{
			ClientOrderID:  m.ClientOrderID,
			StrategyID:     m.StrategyID,
			Symbol:         m.Symbol,
			Side:           side,
			Type:           typ,
			TimeInForce:    tif,
			Quantity:       m.Quantity,
			LimitPrice:     m.LimitPrice,
			StopPrice:      m.StopPrice,
			ReferencePrice: m.ReferencePrice,
		},
		Status:       status,
		FilledQty:    m.FilledQty,
		AvgFillPrice: m.AvgFillPrice,
		Triggered:    m.Triggered,
		Reason:       m.Reason,
		AcceptedAt:   m.AcceptedAt,
	}
	for _, ts := range m.Timestamps {
		st, err := schema.ParseOrderStatus(ts.Status)
		if err != nil {
			return schema.Order{}, err
		}
		o.Timestamps = append(o.Timestamps, schema.StatusStamp{Status: st, Time: ts.Time})
	}
	return o, nil
}
