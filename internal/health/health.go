package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// 检查超时与协程数量上限
const (
	checkTimeout      = 3 * time.Second
	maxGoroutineCount = 10000
)

// Pinger 可以探测连通性的依赖，例如存储或 Redis
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
//
// 存活检查只看进程本身；就绪检查还要求所有依赖可达。
type HealthChecker struct {
	health  healthcheck.Handler
	pingers map[string]Pinger
	logger  *zap.Logger
}

// NewHealthChecker 创建健康检查器，store 作为必需的就绪依赖
func NewHealthChecker(store Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:  healthcheck.NewHandler(),
		pingers: make(map[string]Pinger),
		logger:  logger,
	}
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutineCount))
	hc.AddDependency("store", store)
	return hc
}

// AddDependency 注册一个就绪依赖
func (hc *HealthChecker) AddDependency(name string, p Pinger) {
	hc.pingers[name] = p
	hc.health.AddReadinessCheck(name, healthcheck.Timeout(pingCheck(p), checkTimeout))
}

func pingCheck(p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行全部依赖检查，返回每个依赖的状态
func (hc *HealthChecker) CheckHealth(ctx context.Context) (map[string]string, bool) {
	names := make([]string, 0, len(hc.pingers))
	for name := range hc.pingers {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	results := make(map[string]string, len(names)+1)
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := hc.pingers[name].Ping(cctx)
		cancel()
		if err != nil {
			healthy = false
			results[name] = fmt.Sprintf("ERROR: %v", err)
			hc.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		results[name] = "OK"
	}
	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results, healthy
}
