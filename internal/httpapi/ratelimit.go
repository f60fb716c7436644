package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// visitor is one tenant's token bucket, adapted from the
// IagoALC-extensao-whatsapp-back example's per-IP rate limiter: here the
// bucket key is the tenant id rather than the remote address, since
// every request in this surface is already tenant-scoped.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// tenantRateLimit throttles requests per X-Tenant-Id value. It runs
// before tenant header validation so an unlimited stream of missing-
// header requests cannot itself become a denial-of-service vector; such
// requests share a single bucket keyed on the empty string.
func (s *Server) tenantRateLimit() gin.HandlerFunc {
	rps := s.Cfg.RateLimitRPS
	if rps <= 0 {
		rps = 20
	}
	burst := s.Cfg.RateLimitBurst
	if burst <= 0 {
		burst = 40
	}

	header := s.Cfg.TenantIDHeader
	if header == "" {
		header = "X-Tenant-Id"
	}

	visitors := make(map[string]*visitor)
	var mu sync.Mutex

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for key, v := range visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(visitors, key)
				}
			}
			mu.Unlock()
		}
	}()

	getLimiter := func(tenant string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		v, ok := visitors[tenant]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			visitors[tenant] = v
		}
		v.lastSeen = time.Now()
		return v.limiter
	}

	return func(c *gin.Context) {
		tenant := c.GetHeader(header)
		if !getLimiter(tenant).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
