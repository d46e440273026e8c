package limiter

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// 🛡️ 工业级硬编码保护
const (
	MaxSafetyRPS     = 10 // 绝对安全上限：每秒 10 次只读请求
	DefaultRPS       = 3  // 未配置时的保守默认值
	DefaultBurstSize = 4  // 允许的并发突发（与 worker 数量同级）
)

// Guard 全局出站请求守卫，带有工业级安全保护.
// 所有端点共享一个令牌桶，防止并发 worker 叠加压垮免费额度.
type Guard struct {
	limiter *rate.Limiter
	maxRPS  int // 记录配置的 RPS（用于审计）
}

// NewGuard 创建一个新的全局守卫.
// 优先使用硬编码安全值，如果配置超过上限则强制降级.
func NewGuard(envRPS int) *Guard {
	rps := DefaultRPS

	if envRPS > 0 && envRPS <= MaxSafetyRPS {
		rps = envRPS
		slog.Info("✅ Global request guard configured",
			"rps", rps,
			"mode", "safe")
	} else if envRPS > MaxSafetyRPS {
		slog.Warn("⚠️  Unsafe RPS config detected, forcing safe threshold",
			"requested_rps", envRPS,
			"forced_rps", MaxSafetyRPS,
			"reason", "provider_quota_protection")
		rps = MaxSafetyRPS
	} else {
		slog.Info("✅ Global request guard using default safe value",
			"rps", rps,
			"mode", "default")
	}

	return &Guard{
		limiter: rate.NewLimiter(rate.Limit(rps), DefaultBurstSize),
		maxRPS:  rps,
	}
}

// Wait 阻塞直到获取令牌（或上下文取消）
func (g *Guard) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// MaxRPS 返回当前配置的最大 RPS（用于监控）
func (g *Guard) MaxRPS() int {
	return g.maxRPS
}
