package model

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v4/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/javking07/toadrunner/conf"
)

// Supported values of conf.DatabaseConfig.Type.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite3"
)

// SQLStorage keeps one row per test in the tests table, with the full
// execution record serialized into the data column.
type SQLStorage struct {
	database *sql.DB
	dbName   string
	driver   string
}

// BootstrapStorage opens the configured database and makes sure the tests
// table exists.
func BootstrapStorage(config *conf.DatabaseConfig) (Storage, error) {
	driver := config.Type
	if driver == "" {
		driver = DriverPostgres
	}

	var dsn, createQuery string
	switch driver {
	case DriverPostgres, DriverPgx:
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			config.Host, config.Port, config.User, config.Password, config.DatabaseName, config.SslMode)
		createQuery = CreateTableQuery
	case DriverSQLite:
		dsn = config.DatabaseName
		createQuery = SQLiteCreateTableQuery
	default:
		return nil, fmt.Errorf("unsupported database type %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// every sqlite connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	storage := &SQLStorage{database: db, dbName: config.DatabaseName, driver: driver}
	if err := storage.Init(createQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tests table: %w", err)
	}
	log.Info().Msgf("table presence confirmed in %s database %q", driver, config.DatabaseName)
	return storage, nil
}

func (p *SQLStorage) Init(query string) error {
	_, err := p.database.Exec(query)
	return err
}

// SaveExecution inserts the execution or overwrites its stored status and data.
func (p *SQLStorage) SaveExecution(ctx context.Context, execution TestExecution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("encoding execution %s: %w", execution.TestID, err)
	}
	_, err = p.database.ExecContext(ctx, UpsertExecutionQuery,
		execution.TestID, execution.Name(), string(execution.Status), execution.StartTime.UTC(), string(data))
	if err != nil {
		return fmt.Errorf("saving execution %s: %w", execution.TestID, err)
	}
	return nil
}

func (p *SQLStorage) Select(ctx context.Context, testID string) (TestExecution, error) {
	var data []byte
	err := p.database.QueryRowContext(ctx, `SELECT data FROM tests WHERE id=$1`, testID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return TestExecution{}, NotFound(testID)
	}
	if err != nil {
		return TestExecution{}, err
	}
	return decodeExecution(data)
}

// SelectAll returns stored executions, newest first.
func (p *SQLStorage) SelectAll(ctx context.Context, count, start int) ([]TestExecution, error) {
	rows, err := p.database.QueryContext(ctx, "SELECT data FROM tests ORDER BY started_at DESC LIMIT $1 OFFSET $2", count, start)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	executions := []TestExecution{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		execution, err := decodeExecution(data)
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}
	return executions, rows.Err()
}

func (p *SQLStorage) Delete(ctx context.Context, testID string) error {
	result, err := p.database.ExecContext(ctx, "DELETE FROM tests WHERE id=$1", testID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return NotFound(testID)
	}
	return nil
}

func (p *SQLStorage) Healthy() error {
	if err := p.database.Ping(); err != nil {
		return err
	}
	_, err := p.database.Exec(HealthQuery)
	return err
}

func (p *SQLStorage) Purge(table string) error {
	if _, err := p.database.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return fmt.Errorf("Error purging %s table: %v", table, err)
	}
	log.Info().Msgf("Purging %s table", table)
	return nil
}

func (p *SQLStorage) Close() error {
	return p.database.Close()
}

func decodeExecution(data []byte) (TestExecution, error) {
	var execution TestExecution
	if err := json.Unmarshal(data, &execution); err != nil {
		return TestExecution{}, fmt.Errorf("decoding stored execution: %w", err)
	}
	return execution, nil
}
