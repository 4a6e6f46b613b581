package model

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javking07/toadrunner/conf"
)

func newTestStorage(t *testing.T) Storage {
	t.Helper()
	storage, err := BootstrapStorage(&conf.DatabaseConfig{Type: DriverSQLite, DatabaseName: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func execution(id string, started time.Time, status Status) TestExecution {
	return TestExecution{
		TestID:    id,
		Status:    status,
		Config:    validConfig(),
		StartTime: started,
	}
}

func TestBootstrapStorage_UnsupportedType(t *testing.T) {
	_, err := BootstrapStorage(&conf.DatabaseConfig{Type: "oracle"})
	assert.Error(t, err)
}

func TestSQLStorage_SaveAndSelect(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, storage.SaveExecution(ctx, execution("a", started, StatusRunning)))

	got, err := storage.Select(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "http://localhost:8080/ping", got.Config.URL)
	assert.True(t, started.Equal(got.StartTime))

	// saving again replaces the record
	done := execution("a", started, StatusCompleted)
	end := started.Add(2 * time.Second)
	done.EndTime = &end
	done.Summary = &TestResultSummary{TotalRequests: 10, SuccessfulRequests: 10, Status: ResultSuccess}
	require.NoError(t, storage.SaveExecution(ctx, done))

	got, err = storage.Select(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Summary)
	assert.Equal(t, int64(10), got.Summary.TotalRequests)
}

func TestSQLStorage_SelectMissing(t *testing.T) {
	storage := newTestStorage(t)
	_, err := storage.Select(context.Background(), "missing")
	assert.True(t, IsKind(err, KindNotFound))
}

func TestSQLStorage_SelectAll(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i, id := range []string{"first", "second", "third"} {
		require.NoError(t, storage.SaveExecution(ctx, execution(id, base.Add(time.Duration(i)*time.Second), StatusCompleted)))
	}

	all, err := storage.SelectAll(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].TestID)

	page, err := storage.SelectAll(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "second", page[0].TestID)
}

func TestSQLStorage_DeleteAndPurge(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.SaveExecution(ctx, execution("a", time.Now(), StatusStopped)))
	require.NoError(t, storage.SaveExecution(ctx, execution("b", time.Now(), StatusStopped)))

	require.NoError(t, storage.Delete(ctx, "a"))
	assert.True(t, IsKind(storage.Delete(ctx, "a"), KindNotFound))

	require.NoError(t, storage.Purge("tests"))
	all, err := storage.SelectAll(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLStorage_Healthy(t *testing.T) {
	storage := newTestStorage(t)
	assert.NoError(t, storage.Healthy())
}
