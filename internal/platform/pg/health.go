package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"retrykit/pkg/retry"
)

// WaitForDB ждёт, пока база начнёт отвечать на ping. Повторы и паузы
// определяет policy; для ожидания без ограничения по числу попыток
// используйте retry.NewForeverAsync и таймаут в ctx.
func WaitForDB(ctx context.Context, dsn string, policy *retry.AsyncPolicy) error {
	if _, err := pgxpool.ParseConfig(dsn); err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}

	opts := DefaultPoolOptions()
	opts.MinConns = 0
	opts.MaxConns = 1
	pool, err := NewPool(ctx, dsn, policy, opts)
	if err != nil {
		return fmt.Errorf("wait for database: %w", err)
	}
	pool.Close()
	return nil
}

// HealthCheck проверяет существующий пул: ping и SELECT 1.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("pool is nil")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pool ping failed: %w", err)
	}
	var result int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("simple query failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("unexpected query result: got %d, want 1", result)
	}
	return nil
}

// DBStats содержит статистику подключений к БД.
type DBStats struct {
	MaxConns      int32         `json:"max_conns"`
	TotalConns    int32         `json:"total_conns"`
	InUse         int32         `json:"in_use"`
	Idle          int32         `json:"idle"`
	AcquireCount  int64         `json:"acquire_count"`
	EmptyAcquires int64         `json:"empty_acquires"`
	AcquireTime   time.Duration `json:"acquire_time"`
}

// Stats возвращает статистику пула. Для nil возвращается пустая структура.
func Stats(pool *pgxpool.Pool) DBStats {
	if pool == nil {
		return DBStats{}
	}
	s := pool.Stat()
	return DBStats{
		MaxConns:      s.MaxConns(),
		TotalConns:    s.TotalConns(),
		InUse:         s.AcquiredConns(),
		Idle:          s.IdleConns(),
		AcquireCount:  s.AcquireCount(),
		EmptyAcquires: s.EmptyAcquireCount(),
		AcquireTime:   s.AcquireDuration(),
	}
}
