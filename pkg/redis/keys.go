package redis

import "fmt"

// InventoryKey 活动剩余可占座数量（非负整数文本）。
func InventoryKey(eventID uint) string {
	return fmt.Sprintf("inventory:%d", eventID)
}

// HoldKey 订单占座记录，值为 "<eventID>:<quantity>"，带支付窗口 TTL。
func HoldKey(orderCode string) string {
	return fmt.Sprintf("hold:%s", orderCode)
}

// ReleaseMarkerKey 标记某订单的占座是否已归还，保证失败/过期路径只归还一次。
func ReleaseMarkerKey(orderCode string) string {
	return fmt.Sprintf("release:%s", orderCode)
}

// BuyerLockKey 同一买家在同一活动上的下单互斥锁（仅限购活动使用）。
func BuyerLockKey(eventID uint, buyerID int64) string {
	return fmt.Sprintf("buyer_lock:%d:%d", eventID, buyerID)
}
