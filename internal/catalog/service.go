package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ticket_flash_sale/internal/apperr"
	"ticket_flash_sale/internal/clock"
	"ticket_flash_sale/internal/model"

	"github.com/jinzhu/copier"
	"github.com/shopspring/decimal"
)

type Store interface {
	CreateEvent(ctx context.Context, e *model.Event) error
	GetEvent(ctx context.Context, id uint) (model.Event, error)
	SetEventStatus(ctx context.Context, id uint, status model.EventStatus) error
	ListUpcomingEvents(ctx context.Context, now time.Time) ([]model.Event, error)
}

type Counter interface {
	Init(ctx context.Context, eventID uint, quantity int) error
	Available(ctx context.Context, eventID uint) (int64, error)
}

// Service 活动目录：管理端建活动/发布，用户端查询。发布时把可售量预热到 Redis 计数器。
type Service struct {
	store   Store
	counter Counter
	clock   clock.Clock
	log     *slog.Logger
}

func NewService(store Store, counter Counter, clk clock.Clock, log *slog.Logger) *Service {
	return &Service{store: store, counter: counter, clock: clk, log: log}
}

type CreateEventRequest struct {
	Name              string
	Description       string
	Venue             string
	Address           string
	EventDate         time.Time
	EndDate           *time.Time
	BasePrice         decimal.Decimal
	TotalTickets      int
	MaxTicketsPerUser *int
	SaleStartTime     *time.Time
	SaleEndTime       *time.Time
}

func (r CreateEventRequest) validate(now time.Time) error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return apperr.New(apperr.ErrInvalidArgument, "name is required")
	case strings.TrimSpace(r.Venue) == "":
		return apperr.New(apperr.ErrInvalidArgument, "venue is required")
	case r.TotalTickets <= 0:
		return apperr.New(apperr.ErrInvalidArgument, "total_tickets must be > 0")
	case r.BasePrice.IsNegative():
		return apperr.New(apperr.ErrInvalidArgument, "base_price must be >= 0")
	case !r.EventDate.After(now):
		return apperr.New(apperr.ErrInvalidArgument, "event_date must be in the future")
	case r.EndDate != nil && r.EndDate.Before(r.EventDate):
		return apperr.New(apperr.ErrInvalidArgument, "end_date must not be before event_date")
	case r.MaxTicketsPerUser != nil && *r.MaxTicketsPerUser <= 0:
		return apperr.New(apperr.ErrInvalidArgument, "max_tickets_per_user must be > 0")
	case r.SaleStartTime != nil && r.SaleEndTime != nil && !r.SaleEndTime.After(*r.SaleStartTime):
		return apperr.New(apperr.ErrInvalidArgument, "sale_end_time must be after sale_start_time")
	}
	return nil
}

// EventView 活动读模型；Available 优先取 Redis 实时值。
type EventView struct {
	ID                uint              `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Venue             string            `json:"venue"`
	Address           string            `json:"address"`
	EventDate         time.Time         `json:"event_date"`
	EndDate           *time.Time        `json:"end_date,omitempty"`
	BasePrice         decimal.Decimal   `json:"base_price"`
	TotalTickets      int               `json:"total_tickets"`
	AvailableTickets  int               `json:"available_tickets"`
	Status            model.EventStatus `json:"status"`
	MaxTicketsPerUser *int              `json:"max_tickets_per_user,omitempty"`
	SaleStartTime     *time.Time        `json:"sale_start_time,omitempty"`
	SaleEndTime       *time.Time        `json:"sale_end_time,omitempty"`
	OnSale            bool              `json:"on_sale"`
}

// CreateEvent 创建 DRAFT 活动，可售量 = 总量，同时初始化计数器。
func (s *Service) CreateEvent(ctx context.Context, req CreateEventRequest) (EventView, error) {
	if err := req.validate(s.clock.Now()); err != nil {
		return EventView{}, err
	}
	e := model.Event{
		Name:              req.Name,
		Description:       req.Description,
		Venue:             req.Venue,
		Address:           req.Address,
		EventDate:         req.EventDate,
		EndDate:           req.EndDate,
		BasePrice:         req.BasePrice,
		TotalTickets:      req.TotalTickets,
		AvailableTickets:  req.TotalTickets,
		Status:            model.EventDraft,
		MaxTicketsPerUser: req.MaxTicketsPerUser,
		SaleStartTime:     req.SaleStartTime,
		SaleEndTime:       req.SaleEndTime,
	}
	if err := s.store.CreateEvent(ctx, &e); err != nil {
		return EventView{}, err
	}
	if err := s.counter.Init(ctx, e.ID, e.TotalTickets); err != nil {
		return EventView{}, err
	}
	s.log.Info("event created", "event_id", e.ID, "total_tickets", e.TotalTickets)
	return s.view(e, int64(e.AvailableTickets))
}

// PublishEvent DRAFT → ON_SALE，并按持久化可售量重置计数器。
// 已在售的活动重复发布为空操作，避免重置正在被占座的计数器。
func (s *Service) PublishEvent(ctx context.Context, id uint) (EventView, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return EventView{}, err
	}
	switch e.Status {
	case model.EventOnSale:
		return s.GetEvent(ctx, id)
	case model.EventDraft:
	default:
		return EventView{}, apperr.Newf(apperr.ErrInvalidArgument, "event %d in status %s cannot be published", id, e.Status)
	}

	if err := s.counter.Init(ctx, e.ID, e.AvailableTickets); err != nil {
		return EventView{}, err
	}
	if err := s.store.SetEventStatus(ctx, e.ID, model.EventOnSale); err != nil {
		return EventView{}, err
	}
	e.Status = model.EventOnSale
	s.log.Info("event published", "event_id", e.ID, "available", e.AvailableTickets)
	return s.view(e, int64(e.AvailableTickets))
}

// ListUpcoming 在售且尚未开始的活动，按开始时间升序。
func (s *Service) ListUpcoming(ctx context.Context) ([]EventView, error) {
	list, err := s.store.ListUpcomingEvents(ctx, s.clock.Now())
	if err != nil {
		return nil, err
	}
	out := make([]EventView, 0, len(list))
	for _, e := range list {
		v, err := s.view(e, s.liveAvailable(ctx, e))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) GetEvent(ctx context.Context, id uint) (EventView, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return EventView{}, err
	}
	return s.view(e, s.liveAvailable(ctx, e))
}

// Stock 实时剩余量（计数器不存在视为 0）。
func (s *Service) Stock(ctx context.Context, id uint) (int64, error) {
	if _, err := s.store.GetEvent(ctx, id); err != nil {
		return 0, err
	}
	return s.counter.Available(ctx, id)
}

// liveAvailable 计数器为正时以它为准，否则退回持久化镜像。
func (s *Service) liveAvailable(ctx context.Context, e model.Event) int64 {
	n, err := s.counter.Available(ctx, e.ID)
	if err != nil {
		s.log.Warn("read live inventory failed, using mirror", "event_id", e.ID, "err", err)
		return int64(e.AvailableTickets)
	}
	if n > 0 {
		return n
	}
	return int64(e.AvailableTickets)
}

func (s *Service) view(e model.Event, available int64) (EventView, error) {
	var v EventView
	if err := copier.Copy(&v, &e); err != nil {
		return EventView{}, fmt.Errorf("project event %d: %w", e.ID, err)
	}
	v.AvailableTickets = int(available)
	e.AvailableTickets = v.AvailableTickets
	v.OnSale = e.OnSale(s.clock.Now())
	return v, nil
}
