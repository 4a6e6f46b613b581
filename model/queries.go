package model

//CreateTableQuery creates the tests table on postgres
const CreateTableQuery string = `CREATE TABLE IF NOT EXISTS tests (
id TEXT PRIMARY KEY,
name TEXT NOT NULL,
status TEXT NOT NULL,
started_at TIMESTAMPTZ NOT NULL,
data jsonb NOT NULL);`

//SQLiteCreateTableQuery creates the tests table on sqlite
const SQLiteCreateTableQuery string = `CREATE TABLE IF NOT EXISTS tests (
id TEXT PRIMARY KEY,
name TEXT NOT NULL,
status TEXT NOT NULL,
started_at TIMESTAMP NOT NULL,
data TEXT NOT NULL
);`

//UpsertExecutionQuery inserts an execution or replaces the stored copy
const UpsertExecutionQuery string = `INSERT INTO tests (id, name, status, started_at, data)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET status = excluded.status, data = excluded.data`

//HealthQuery is used for health checks to test database connection
const HealthQuery string = `SELECT 1`
