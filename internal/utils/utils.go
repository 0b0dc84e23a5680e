package utils

import (
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateConnectionID 生成唯一连接ID
func GenerateConnectionID() string {
	return "conn-" + uuid.NewString()
}

// GenerateRequestID 生成唯一请求ID
func GenerateRequestID() string {
	return "req-" + uuid.NewString()
}

// IsValidURL 检查网关URL是否有效
func IsValidURL(url string) bool {
	return strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")
}

// Jitter 返回 [min, max) 内的随机时长
func Jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// CalculateBackoff 计算退避时间，指数增长并附加最多一半的随机抖动，不超过 max
func CalculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}
	d := base * time.Duration(1<<uint(attempt))
	if max > 0 && d > max {
		d = max
	}
	d += Jitter(0, d/2)
	if max > 0 && d > max {
		d = max
	}
	return d
}
