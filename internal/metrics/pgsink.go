package metrics

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts the pgxpool.Pool surface the sink needs, so tests can
// substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertStatsSQL = `
    INSERT INTO training_stats (xpid, recorded_at, stats)
    VALUES ($1, $2, $3);
`

// PGSink pushes periodic stats snapshots into Postgres, keyed by experiment
// id. Pushes are rate limited; snapshots arriving faster than the limit are
// dropped rather than queued, the table is telemetry not a ledger.
type PGSink struct {
	pool    DBPool
	xpid    string
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewPGSink verifies the connection and returns a sink allowing one insert
// per interval.
func NewPGSink(ctx context.Context, pool DBPool, xpid string, interval time.Duration, logger *zap.Logger) (*PGSink, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PGSink{
		pool:    pool,
		xpid:    xpid,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		log:     logger.Named("pgsink"),
	}, nil
}

// Push inserts one snapshot. Returns (false, nil) when the rate limiter
// suppresses the push.
func (s *PGSink) Push(ctx context.Context, stats map[string]any) (bool, error) {
	if !s.limiter.Allow() {
		return false, nil
	}

	payload, err := json.Marshal(stats)
	if err != nil {
		return false, fmt.Errorf("failed to marshal stats: %w", err)
	}

	if _, err := s.pool.Exec(ctx, insertStatsSQL, s.xpid, time.Now().UTC(), payload); err != nil {
		s.log.Error("Failed to insert stats snapshot", zap.Error(err))
		return false, fmt.Errorf("failed to insert stats: %w", err)
	}
	return true, nil
}
