package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx

	"apisurface/internal/faults"
)

const pingTimeout = 5 * time.Second

// Open открывает пул через pgx/stdlib и проверяет соединение.
// Недоступная БД — faults.TransportError.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, faults.New(faults.ConfigError, "invalid database url", err)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, faults.New(faults.TransportError, "database unreachable", err)
	}
	return db, nil
}
