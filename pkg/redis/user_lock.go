package redis

import (
	"context"
	"time"

	"ticket_flash_sale/internal/apperr"
)

// luaReleaseBuyerLockIfMatch 仅当锁值匹配 token 时才删除，避免误删后来者的锁。
const luaReleaseBuyerLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquireBuyerLock 为限购校验加买家级互斥锁，ttl 兜底防止进程崩溃后锁不释放。
func (s *Inventory) AcquireBuyerLock(ctx context.Context, eventID uint, buyerID int64, token string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, BuyerLockKey(eventID, buyerID), token, ttl).Result()
	if err != nil {
		return false, apperr.Wrap(err, apperr.ErrStoreUnavailable, "acquire buyer lock")
	}
	return ok, nil
}

// ReleaseBuyerLock 安全释放买家锁。
func (s *Inventory) ReleaseBuyerLock(ctx context.Context, eventID uint, buyerID int64, token string) error {
	lockKey := BuyerLockKey(eventID, buyerID)
	if err := s.rdb.Eval(ctx, luaReleaseBuyerLockIfMatch, []string{lockKey}, token).Err(); err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable, "release buyer lock")
	}
	return nil
}
