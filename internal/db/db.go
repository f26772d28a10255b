package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the Postgres connection and runs migrations.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// users and appointments belong to the marketplace; chat only reads them.
// They are created here when missing so a standalone deployment can boot.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id SERIAL PRIMARY KEY,
            role TEXT NOT NULL DEFAULT 'PATIENT',
            display_name TEXT NOT NULL DEFAULT '',
            avatar_url TEXT NOT NULL DEFAULT ''
        );`,
	`CREATE TABLE IF NOT EXISTS appointments (
            id SERIAL PRIMARY KEY,
            patient_id INT NOT NULL,
            doctor_id INT NOT NULL,
            status TEXT NOT NULL
        );`,
	`CREATE INDEX IF NOT EXISTS appointments_pair_idx ON appointments (patient_id, doctor_id);`,
	`CREATE TABLE IF NOT EXISTS chat_threads (
            id SERIAL PRIMARY KEY,
            patient_id INT NOT NULL,
            doctor_id INT NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE(patient_id, doctor_id)
        );`,
	`CREATE INDEX IF NOT EXISTS chat_threads_doctor_idx ON chat_threads (doctor_id, updated_at DESC);`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
            id BIGSERIAL PRIMARY KEY,
            thread_id INT NOT NULL REFERENCES chat_threads(id),
            sender_id INT NOT NULL,
            content TEXT,
            client_id TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
        );`,
	`CREATE INDEX IF NOT EXISTS chat_messages_thread_order_idx ON chat_messages (thread_id, created_at, id);`,
	`CREATE TABLE IF NOT EXISTS chat_attachments (
            id BIGSERIAL PRIMARY KEY,
            message_id BIGINT NOT NULL REFERENCES chat_messages(id) ON DELETE CASCADE,
            filename TEXT NOT NULL,
            url TEXT NOT NULL,
            mime_type TEXT NOT NULL
        );`,
	`CREATE INDEX IF NOT EXISTS chat_attachments_message_idx ON chat_attachments (message_id);`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
