package redis

import (
	"context"
	"errors"
	"log/slog"

	"ticket_flash_sale/internal/apperr"

	rd "github.com/redis/go-redis/v9"
)

// luaHold：Redis 内原子「读库存 → 判断 ≥ 占座量 → DECRBY」
// KEYS[1]=库存key，ARGV[1]=占座数量；返回扣减后的值，不足则返回 -1（计数器保持原值）
const luaHold = `
local key = KEYS[1]
local qty = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', key) or '0')
if current >= qty then
  return redis.call('DECRBY', key, qty)
else
  return -1
end
`

// Inventory 是占座存储：每个活动一个计数器 + 按订单号的占座记录。
// 所有并发协调都在 Redis 侧完成，进程内不持有任何共享可变状态。
type Inventory struct {
	rdb *rd.Client
	log *slog.Logger
}

func NewInventory(rdb *rd.Client, log *slog.Logger) *Inventory {
	return &Inventory{rdb: rdb, log: log}
}

// Init 直接设置活动计数器（建活动/发布时预热）。
func (s *Inventory) Init(ctx context.Context, eventID uint, quantity int) error {
	if quantity < 0 {
		return apperr.Newf(apperr.ErrInvalidArgument, "inventory must be >= 0, got %d", quantity)
	}
	if err := s.rdb.Set(ctx, InventoryKey(eventID), quantity, 0).Err(); err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable, "init inventory")
	}
	s.log.Info("inventory initialized", "event_id", eventID, "quantity", quantity)
	return nil
}

// Available 返回实时剩余量，key 不存在视为 0。
func (s *Inventory) Available(ctx context.Context, eventID uint) (int64, error) {
	n, err := s.rdb.Get(ctx, InventoryKey(eventID)).Int64()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return 0, nil
		}
		return 0, apperr.Wrap(err, apperr.ErrStoreUnavailable, "read inventory")
	}
	return n, nil
}

// Hold 原子占座。余量不足返回 false 且计数器不变；Redis 不可用返回 ErrStoreUnavailable。
func (s *Inventory) Hold(ctx context.Context, eventID uint, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, apperr.Newf(apperr.ErrInvalidArgument, "quantity must be > 0, got %d", quantity)
	}
	remaining, err := s.rdb.Eval(ctx, luaHold, []string{InventoryKey(eventID)}, quantity).Int64()
	if err != nil {
		return false, apperr.Wrap(err, apperr.ErrStoreUnavailable, "hold inventory")
	}
	if remaining < 0 {
		s.log.Warn("hold rejected: insufficient inventory", "event_id", eventID, "quantity", quantity)
		return false, nil
	}
	s.log.Debug("inventory held", "event_id", eventID, "quantity", quantity, "remaining", remaining)
	return true, nil
}

// Release 原子归还。调用方负责保证每次成功占座只归还一次，失败/过期路径请用 ReleaseOnce。
func (s *Inventory) Release(ctx context.Context, eventID uint, quantity int) error {
	if quantity <= 0 {
		return nil
	}
	n, err := s.rdb.IncrBy(ctx, InventoryKey(eventID), int64(quantity)).Result()
	if err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable, "release inventory")
	}
	s.log.Info("inventory released", "event_id", eventID, "quantity", quantity, "remaining", n)
	return nil
}
