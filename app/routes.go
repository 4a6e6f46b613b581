package app

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/javking07/toadrunner/model"
)

const (
	defaultResultsCount = 10
	maxResultsCount     = 100
)

type testResponse struct {
	TestID    string               `json:"testId"`
	Status    model.Status         `json:"status,omitempty"`
	Execution *model.TestExecution `json:"execution,omitempty"`
}

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	var Health struct {
		ServerStatus   string `json:"server_status"`
		DatabaseStatus string `json:"database_status"`
		CacheCount     int64  `json:"cache_count"`
		RunningTests   int    `json:"running_tests"`
	}
	// Report on server status
	Health.ServerStatus = "ok"

	// Report on database status
	Health.DatabaseStatus = "disabled"
	if a.Storage != nil {
		if err := a.Storage.Healthy(); err == nil {
			Health.DatabaseStatus = "connected"
		} else {
			a.Logger.Error().Msg(err.Error())
			Health.DatabaseStatus = "not connected"
		}
	}

	// Report on cache status
	if a.Cache != nil {
		Health.CacheCount = a.Cache.EntryCount()
	}
	Health.RunningTests = len(a.Controller.ListRunning())

	respondWithJSON(w, http.StatusOK, Health)
}

func (a *App) GetPresets(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, model.Presets())
}

func (a *App) StartTest(w http.ResponseWriter, r *http.Request) {
	var config model.LoadTestConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		respondWithError(w, model.WrapError(model.KindValidation, err, "request body is not a valid load test config"))
		return
	}

	execution, err := a.Controller.Start(config)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, testResponse{TestID: execution.TestID, Status: execution.Status, Execution: &execution})
}

func (a *App) StopTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	stopped, err := a.Controller.Stop(testID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"testId": testID, "stopped": stopped})
}

func (a *App) GetTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	history, err := queryBool(r, "history")
	if err != nil {
		respondWithError(w, err)
		return
	}

	execution, err := a.Controller.Status(testID, history)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, testResponse{TestID: testID, Status: execution.Status, Execution: &execution})
}

// GetTests lists the running tests.
func (a *App) GetTests(w http.ResponseWriter, r *http.Request) {
	tests := []testResponse{}
	for _, id := range a.Controller.ListRunning() {
		execution, err := a.Controller.Status(id, false)
		if err != nil {
			// pruned between the two calls
			continue
		}
		tests = append(tests, testResponse{TestID: id, Status: execution.Status, Execution: &execution})
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"count": len(tests), "tests": tests})
}

func (a *App) GetResults(w http.ResponseWriter, r *http.Request) {
	if a.Storage == nil {
		respondWithError(w, model.Errorf(model.KindUnavailable, "persistence is disabled"))
		return
	}
	count, err := queryInt(r, "count", defaultResultsCount)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if count > maxResultsCount {
		count = maxResultsCount
	}
	start, err := queryInt(r, "start", 0)
	if err != nil {
		respondWithError(w, err)
		return
	}

	executions, err := a.Storage.SelectAll(r.Context(), count, start)
	if err != nil {
		a.Logger.Error().Msgf("error listing results: %v", err)
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"count": len(executions), "results": executions})
}

// GetResult serves a test from the cache, the registry or the database, in
// that order. The metric series is only included with history=true, which
// skips the cache. Finished executions are cached without their series.
func (a *App) GetResult(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	history, err := queryBool(r, "history")
	if err != nil {
		respondWithError(w, err)
		return
	}
	if !history {
		if data, err := a.Cache.Get([]byte(testID)); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}
	}

	execution, err := a.Controller.Status(testID, history)
	if model.IsKind(err, model.KindNotFound) && a.Storage != nil {
		execution, err = a.Storage.Select(r.Context(), testID)
	}
	if err != nil {
		respondWithError(w, err)
		return
	}

	if history {
		respondWithJSON(w, http.StatusOK, execution)
		return
	}
	execution.Metrics = nil
	if execution.Status.Terminal() {
		a.cacheResult(execution)
	}
	respondWithJSON(w, http.StatusOK, execution)
}

// cacheResult stores execution under its id. Records that do not fit in a
// cache segment are skipped.
func (a *App) cacheResult(execution model.TestExecution) {
	execution.Metrics = nil
	data, err := json.Marshal(execution)
	if err != nil {
		return
	}
	if err := a.Cache.Set([]byte(execution.TestID), data, a.Config.Cache.TTL); err != nil {
		a.Logger.Warn().Msgf("error caching result %s (%d bytes): %v", execution.TestID, len(data), err)
	}
}

// DeleteResult removes a finished test from the registry, the cache and the
// database. Running tests must be stopped first.
func (a *App) DeleteResult(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")

	forgotten, err := a.Controller.Forget(testID)
	known := err == nil
	if known && !forgotten {
		respondWithError(w, model.Errorf(model.KindValidation, "test %s is still running", testID))
		return
	}
	a.Cache.Del([]byte(testID))

	if a.Storage != nil {
		err = a.Storage.Delete(r.Context(), testID)
		if err != nil && !(known && model.IsKind(err, model.KindNotFound)) {
			respondWithError(w, err)
			return
		}
	} else if !known {
		respondWithError(w, model.NotFound(testID))
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"testId": testID, "deleted": true})
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.Errorf(model.KindValidation, "%s must be a non-negative integer, got %q", name, raw)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, model.Errorf(model.KindValidation, "%s must be a boolean, got %q", name, raw)
	}
	return v, nil
}
