package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Jmi2020/KITT-sub000/internal/db"
)

// DatabaseChecker pings the checkpoint database through its circuit breaker.
type DatabaseChecker struct {
	client  *db.Client
	timeout time.Duration
}

func NewDatabaseChecker(client *db.Client) *DatabaseChecker {
	return &DatabaseChecker{client: client, timeout: 5 * time.Second}
}

func (d *DatabaseChecker) Name() string           { return "database" }
func (d *DatabaseChecker) IsCritical() bool       { return true }
func (d *DatabaseChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Component: d.Name(), Critical: true, Timestamp: start}
	wrapper := d.client.DB()
	if wrapper.IsCircuitBreakerOpen() {
		res.Status = StatusUnhealthy
		res.Error = "circuit breaker open"
		res.Duration = time.Since(start)
		return res
	}
	if err := wrapper.PingContext(ctx); err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res
	}
	res.Status = StatusHealthy
	res.Message = fmt.Sprintf("%s reachable", d.client.Driver())
	res.Duration = time.Since(start)
	return res
}

// RedisChecker pings the lease and event-mirror Redis. Leases depend on it,
// so it is critical.
type RedisChecker struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client, timeout: 2 * time.Second}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return true }
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Component: r.Name(), Critical: true, Timestamp: start}
	if err := r.client.Ping(ctx).Err(); err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	} else {
		res.Status = StatusHealthy
	}
	res.Duration = time.Since(start)
	return res
}

// FuncChecker adapts a function.
type FuncChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	fn       func(ctx context.Context) error
}

// NewFuncChecker creates a checker that is healthy while fn returns nil.
func NewFuncChecker(name string, critical bool, timeout time.Duration, fn func(ctx context.Context) error) *FuncChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FuncChecker{name: name, critical: critical, timeout: timeout, fn: fn}
}

func (c *FuncChecker) Name() string           { return c.name }
func (c *FuncChecker) IsCritical() bool       { return c.critical }
func (c *FuncChecker) Timeout() time.Duration { return c.timeout }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Component: c.name, Critical: c.critical, Status: StatusHealthy, Timestamp: start}
	if err := c.fn(ctx); err != nil {
		res.Status = StatusUnhealthy
		if !c.critical {
			res.Status = StatusDegraded
		}
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}
