package service

import (
	"context"
	"strconv"
	"time"

	"github.com/templui/provenance/internal/apperr"
	"github.com/templui/provenance/internal/cache"
)

// allowanceWindow outlives the calendar day so late increments still expire
const allowanceWindow = 25 * time.Hour

// Allowance is the daily anonymous upload budget per client IP, counted in the shared cache
type Allowance struct {
	cache cache.Store
	limit int64
	now   func() time.Time
}

func NewAllowance(c cache.Store, dailyLimit int64) *Allowance {
	return &Allowance{cache: c, limit: dailyLimit, now: time.Now}
}

func (a *Allowance) key(ip string) string {
	return "allowance:" + ip + ":" + a.now().UTC().Format(time.DateOnly)
}

// Reserve counts size against ip's budget, refusing (and undoing) reservations past the limit
func (a *Allowance) Reserve(ctx context.Context, ip string, size int64) error {
	if a.limit <= 0 {
		return nil
	}
	key := a.key(ip)
	n, err := a.cache.IncrBy(ctx, key, size, allowanceWindow)
	if err != nil {
		return apperr.Upstream("reserve allowance", err)
	}
	if n > a.limit {
		_, _ = a.cache.IncrBy(ctx, key, -size, allowanceWindow)
		return &apperr.QuotaError{Current: n - size, Max: a.limit, Incoming: size}
	}
	return nil
}

// Release gives back a reservation whose upload did not store new bytes
func (a *Allowance) Release(ctx context.Context, ip string, size int64) {
	if a.limit <= 0 || size == 0 {
		return
	}
	_, _ = a.cache.IncrBy(ctx, a.key(ip), -size, allowanceWindow)
}

// Used reports what ip has consumed today
func (a *Allowance) Used(ctx context.Context, ip string) int64 {
	data, ok := a.cache.Get(ctx, a.key(ip))
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
