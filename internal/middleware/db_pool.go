package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"flashchat-backend/pkg/logger"
)

// poolUsageThreshold is the fraction of the pool that may be in use before
// new database-backed requests are shed.
const poolUsageThreshold = 0.8

// DBPoolLimiter sheds load when the archive database connection pool is
// close to exhaustion, returning 503 instead of queueing requests.
type DBPoolLimiter struct {
	pool *pgxpool.Pool
}

// NewDBPoolLimiter creates a new database pool limiter
func NewDBPoolLimiter(pool *pgxpool.Pool) *DBPoolLimiter {
	return &DBPoolLimiter{pool: pool}
}

// Middleware returns a Gin middleware guarding database-backed routes.
func (dpl *DBPoolLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := dpl.pool.Stat()
		maxConns := stats.MaxConns()
		if maxConns == 0 {
			c.Next()
			return
		}

		usage := float64(stats.AcquiredConns()) / float64(maxConns)
		if usage >= poolUsageThreshold {
			logger.Warn("database connection pool near exhaustion",
				zap.Int32("max_conns", maxConns),
				zap.Int32("acquired_conns", stats.AcquiredConns()),
				zap.Float64("pool_usage", usage),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Service temporarily unavailable",
				"code":  "DB_POOL_EXHAUSTED",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// PoolUsage returns the fraction of pool connections currently acquired.
func (dpl *DBPoolLimiter) PoolUsage() float64 {
	stats := dpl.pool.Stat()
	if stats.MaxConns() == 0 {
		return 0
	}
	return float64(stats.AcquiredConns()) / float64(stats.MaxConns())
}
