package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "prism"
)

// Ключи для Sets (состояние)
const (
	RedisKeyDisabledAgents = RedisNamespace + ":agents:disabled_set"
	RedisKeyLockWarmup     = RedisNamespace + ":lock:warmup:disabled"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanKillSwitch: сигналы "agent:on" / "agent:off" от консоли.
	RedisChanKillSwitch = RedisNamespace + ":agents:kill-switch-signal"
)

// RevokedTokenKey: отозванный jti живет до истечения токена.
func RevokedTokenKey(jti string) string {
	return fmt.Sprintf("%s:tokens:revoked:%s", RedisNamespace, jti)
}

// RateLimitKey: счетчик окна для субъекта.
func RateLimitKey(subject string, window int64) string {
	return fmt.Sprintf("%s:ratelimit:%s:%d", RedisNamespace, subject, window)
}

// RunResultKey: агрегированный результат запуска.
func RunResultKey(requestID string) string {
	return fmt.Sprintf("%s:runs:%s", RedisNamespace, requestID)
}

// RunEventsChannel: ретрансляция событий запуска между репликами.
func RunEventsChannel(requestID string) string {
	return fmt.Sprintf("%s:events:%s", RedisNamespace, requestID)
}

// QueryCacheKey: кэш результата SELECT; generation меняется при любой записи в призму.
func QueryCacheKey(resource string, generation int64, digest string) string {
	return fmt.Sprintf("%s:cache:%s:%d:%s", RedisNamespace, resource, generation, digest)
}

// QueryGenerationKey: счетчик поколений кэша призмы.
func QueryGenerationKey(resource string) string {
	return fmt.Sprintf("%s:cache:%s:generation", RedisNamespace, resource)
}

// DashboardStatsKey: кэш сводки консоли за окно.
func DashboardStatsKey(window string) string {
	return fmt.Sprintf("%s:console:stats:%s", RedisNamespace, window)
}
