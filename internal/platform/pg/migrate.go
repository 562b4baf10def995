package pg

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"retrykit/pkg/retry"
)

// ErrDirty возвращается, если предыдущая миграция завершилась с ошибкой и
// база помечена как "грязная". Повторять такую ошибку бессмысленно.
var ErrDirty = errors.New("database is in dirty state")

// MigrationInfo содержит информацию о результате применения миграций.
type MigrationInfo struct {
	Applied        bool `json:"applied"`
	CurrentVersion uint `json:"current_version"`
	FinalVersion   uint `json:"final_version"`
	Dirty          bool `json:"dirty"`
}

// ApplyMigrations применяет миграции из sourceURL (например, "file://migrations").
// Подключение и применение повторяются под policy; nil означает одну попытку.
// migrate.ErrNoChange ошибкой не считается.
func ApplyMigrations(ctx context.Context, dsn, sourceURL string, policy *retry.AsyncPolicy) (MigrationInfo, error) {
	return applyWithRetry(ctx, policy, func() (*migrate.Migrate, error) {
		return migrate.New(sourceURL, dsn)
	})
}

// ApplyMigrationsFS применяет миграции из fsys (обычно embed.FS), каталог dir.
func ApplyMigrationsFS(ctx context.Context, dsn string, fsys fs.FS, dir string, policy *retry.AsyncPolicy) (MigrationInfo, error) {
	return applyWithRetry(ctx, policy, func() (*migrate.Migrate, error) {
		src, err := iofs.New(fsys, dir)
		if err != nil {
			return nil, fmt.Errorf("iofs source: %w", err)
		}
		return migrate.NewWithSourceInstance("iofs", src, dsn)
	})
}

// MigrationVersion возвращает текущую версию схемы. Если миграции ещё не
// применялись, возвращается 0 без ошибки.
func MigrationVersion(dsn, sourceURL string) (uint, bool, error) {
	m, err := migrate.New(sourceURL, dsn)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer closeMigrate(m)

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

func applyWithRetry(ctx context.Context, policy *retry.AsyncPolicy, open func() (*migrate.Migrate, error)) (MigrationInfo, error) {
	attempt := func(ctx context.Context) (MigrationInfo, error) {
		if err := ctx.Err(); err != nil {
			return MigrationInfo{}, err
		}
		m, err := open()
		if err != nil {
			return MigrationInfo{}, fmt.Errorf("failed to create migrate instance: %w", err)
		}
		defer closeMigrate(m)
		return up(ctx, m)
	}

	if policy == nil {
		return attempt(ctx)
	}
	return retry.DoAsync(ctx, policy, attempt)
}

func up(ctx context.Context, m *migrate.Migrate) (MigrationInfo, error) {
	var info MigrationInfo

	current, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return info, fmt.Errorf("failed to get current version: %w", err)
	}
	info.CurrentVersion = current
	info.FinalVersion = current
	info.Dirty = dirty
	if dirty {
		return info, fmt.Errorf("%w at version %d", ErrDirty, current)
	}

	// migrate не принимает context: прерываем через GracefulStop.
	stop := context.AfterFunc(ctx, func() {
		select {
		case m.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return info, nil
		}
		return info, fmt.Errorf("failed to apply migrations: %w", err)
	}

	info.Applied = true
	if v, _, err := m.Version(); err == nil {
		info.FinalVersion = v
	}
	return info, nil
}

func closeMigrate(m *migrate.Migrate) {
	sourceErr, dbErr := m.Close()
	_, _ = sourceErr, dbErr
}
