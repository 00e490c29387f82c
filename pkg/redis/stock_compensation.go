package redis

import (
	"context"
	"time"

	"ticket_flash_sale/internal/apperr"
)

// luaReleaseOnce 通过 SETNX 标记保证“同一订单只归还一次”。
const luaReleaseOnce = `
local markerKey = KEYS[1]
local stockKey = KEYS[2]
local quantity = tonumber(ARGV[1])
local ttlSec = tonumber(ARGV[2])

if redis.call('SETNX', markerKey, '1') == 1 then
  redis.call('EXPIRE', markerKey, ttlSec)
  redis.call('INCRBY', stockKey, quantity)
  return 1
end
return 0
`

// releaseMarkerTTL 需覆盖任何订单可能被重复走失败路径的时间范围。
const releaseMarkerTTL = 7 * 24 * time.Hour

// ReleaseOnce 幂等归还订单占座：
// - 首次归还返回 true
// - 重复归还返回 false（不会重复加库存）
func (s *Inventory) ReleaseOnce(ctx context.Context, orderCode string, eventID uint, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, nil
	}
	keys := []string{ReleaseMarkerKey(orderCode), InventoryKey(eventID)}
	n, err := s.rdb.Eval(ctx, luaReleaseOnce, keys, quantity, int64(releaseMarkerTTL/time.Second)).Int()
	if err != nil {
		return false, apperr.Wrap(err, apperr.ErrStoreUnavailable, "release inventory once")
	}
	if n == 1 {
		s.log.Info("inventory released", "order_code", orderCode, "event_id", eventID, "quantity", quantity)
		return true, nil
	}
	s.log.Warn("inventory already released", "order_code", orderCode, "event_id", eventID)
	return false, nil
}
