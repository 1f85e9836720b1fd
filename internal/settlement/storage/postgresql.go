package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"ms-delivery/internal/config"
	"ms-delivery/internal/logger"
	"ms-delivery/internal/models"
)

type PostgreSQLStore struct {
	db  *sql.DB
	log *logger.Logger
}

// NewPostgreSQLStoreWithDB creates a ledger store on an existing
// database connection.
func NewPostgreSQLStoreWithDB(db *sql.DB, log *logger.Logger) (*PostgreSQLStore, error) {
	store := &PostgreSQLStore{db: db, log: log}
	if err := store.initTables(); err != nil {
		log.Error("DATABASE", "Failed to initialize settlement ledger tables: "+err.Error())
		return nil, fmt.Errorf("failed to initialize settlement ledger tables: %w", err)
	}
	log.Info("DATABASE", "Settlement ledger initialized with existing connection")
	return store, nil
}

func NewPostgreSQLStore(cfg config.DatabaseConfig, log *logger.Logger) (*PostgreSQLStore, error) {
	log.LogDatabase("CONNECT", "postgresql", fmt.Sprintf("Connecting to PostgreSQL at %s:%s", cfg.Host, cfg.Port))

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Error("DATABASE", "Failed to open PostgreSQL connection: "+err.Error())
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := db.Ping(); err != nil {
		log.Error("DATABASE", "Failed to ping PostgreSQL: "+err.Error())
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{db: db, log: log}
	if err := store.initTables(); err != nil {
		log.Error("DATABASE", "Failed to initialize tables: "+err.Error())
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	log.LogDatabase("SUCCESS", "postgresql", "Settlement ledger connection established and tables initialized")
	return store, nil
}

func (s *PostgreSQLStore) initTables() error {
	s.log.LogDatabase("MIGRATE", "postgresql", "Creating settlement_attempts table if not exists")

	attemptsQuery := `
    CREATE TABLE IF NOT EXISTS settlement_attempts (
        attempt_id VARCHAR(36) PRIMARY KEY,
        order_id VARCHAR(36) NOT NULL,
        operation VARCHAR(20) NOT NULL,
        party VARCHAR(20),
        purpose VARCHAR(100) NOT NULL,
        idempotency_key VARCHAR(200) NOT NULL,
        amount_cents BIGINT NOT NULL,
        succeeded BOOLEAN NOT NULL,
        provider_ref VARCHAR(100),
        failure_reason TEXT,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );
    `
	if _, err := s.db.Exec(attemptsQuery); err != nil {
		return fmt.Errorf("failed to create settlement_attempts table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_settlement_attempts_order_id ON settlement_attempts(order_id);",
		"CREATE INDEX IF NOT EXISTS idx_settlement_attempts_key ON settlement_attempts(idempotency_key);",
	}
	for _, indexQuery := range indexes {
		if _, err := s.db.Exec(indexQuery); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	s.log.LogDatabase("SUCCESS", "postgresql", "Settlement ledger tables and indexes ready")
	return nil
}

func (s *PostgreSQLStore) RecordAttempt(attempt *models.SettlementAttempt) error {
	query := `
    INSERT INTO settlement_attempts (
        attempt_id, order_id, operation, party, purpose,
        idempotency_key, amount_cents, succeeded, provider_ref, failure_reason, created_at
    ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `
	_, err := s.db.Exec(query,
		attempt.AttemptID, attempt.OrderID, attempt.Operation, attempt.Party, attempt.Purpose,
		attempt.IdempotencyKey, attempt.AmountCents, attempt.Succeeded,
		attempt.ProviderRef, attempt.FailureReason, attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record settlement attempt: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) GetAttemptsByOrder(orderID string) ([]*models.SettlementAttempt, error) {
	query := `
    SELECT attempt_id, order_id, operation, COALESCE(party, ''), purpose,
           idempotency_key, amount_cents, succeeded, COALESCE(provider_ref, ''),
           COALESCE(failure_reason, ''), created_at
    FROM settlement_attempts
    WHERE order_id = $1
    ORDER BY created_at ASC
    `
	rows, err := s.db.Query(query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.SettlementAttempt
	for rows.Next() {
		var a models.SettlementAttempt
		if err := rows.Scan(
			&a.AttemptID, &a.OrderID, &a.Operation, &a.Party, &a.Purpose,
			&a.IdempotencyKey, &a.AmountCents, &a.Succeeded,
			&a.ProviderRef, &a.FailureReason, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan settlement attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

func (s *PostgreSQLStore) HealthCheck() error {
	return s.db.Ping()
}
