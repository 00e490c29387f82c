package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EventStatus 活动生命周期。
type EventStatus string

const (
	EventDraft     EventStatus = "DRAFT"
	EventOnSale    EventStatus = "ON_SALE"
	EventSoldOut   EventStatus = "SOLD_OUT"
	EventCompleted EventStatus = "COMPLETED"
	EventCancelled EventStatus = "CANCELLED"
)

// Event 售票活动（秒杀商品）：总票数、可售镜像、售卖时间窗、每人限购。
type Event struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name        string     `gorm:"size:255;not null" json:"name"`
	Description string     `gorm:"type:text" json:"description"`
	Venue       string     `gorm:"size:255;not null" json:"venue"`
	Address     string     `gorm:"size:500" json:"address"`
	EventDate   time.Time  `gorm:"not null;index" json:"event_date"`
	EndDate     *time.Time `json:"end_date,omitempty"`

	BasePrice decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"base_price"`

	// TotalTickets 为总容量；AvailableTickets 只是 Redis 计数器的最终一致镜像，售卖期间以 Redis 为准。
	TotalTickets     int `gorm:"not null" json:"total_tickets"`
	AvailableTickets int `gorm:"not null" json:"available_tickets"`

	Status            EventStatus `gorm:"size:20;not null;default:DRAFT;index" json:"status"`
	MaxTicketsPerUser *int        `json:"max_tickets_per_user,omitempty"`
	SaleStartTime     *time.Time  `json:"sale_start_time,omitempty"`
	SaleEndTime       *time.Time  `json:"sale_end_time,omitempty"`
}

func (Event) TableName() string { return "events" }

// OnSale 计算“可售”谓词：状态 ON_SALE、镜像有余量、处于售卖窗口内且活动尚未开始。
func (e Event) OnSale(now time.Time) bool {
	if e.Status != EventOnSale || e.AvailableTickets <= 0 {
		return false
	}
	if e.SaleStartTime != nil && now.Before(*e.SaleStartTime) {
		return false
	}
	if e.SaleEndTime != nil && now.After(*e.SaleEndTime) {
		return false
	}
	return e.EventDate.After(now)
}
