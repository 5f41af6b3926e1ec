package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"apisurface/internal/logging"
)

// коды SQLSTATE «объект уже существует»
const (
	duplicateObject = "42710"
	duplicateTable  = "42P07"
)

// ApplyDDL выполняет map[ключ]sql в порядке ключей. Ожидается idempotent DDL (create ... if not exists);
// уже существующие объекты пропускаются с записью в лог.
func ApplyDDL(ctx context.Context, db *sql.DB, ddl map[string]string, logger *slog.Logger) error {
	logger = logging.OrNop(logger)

	keys := make([]string, 0, len(ddl))
	for k := range ddl {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	for _, k := range keys {
		sqlText := strings.TrimSpace(ddl[k])
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			// pgx/stdlib возвращает *pgconn.PgError
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && (pgErr.Code == duplicateObject || pgErr.Code == duplicateTable) {
				logger.Info("DDL skipped (already exists)",
					slog.String("step", k),
					slog.String("object", pgErr.ConstraintName),
					slog.String("message", strings.TrimSpace(pgErr.Message)))
				continue
			}
			return fmt.Errorf("DDL apply failed (%s): %w", k, err)
		}
	}
	return nil
}
