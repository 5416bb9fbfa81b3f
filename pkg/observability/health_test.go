package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_NoDependencies(t *testing.T) {
	checker := NewHealthChecker(nil, nil)
	checker.SetVersion("1.2.3")

	status := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Empty(t, status.Dependencies)
}

func TestHealthChecker_Database(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	checker := NewHealthChecker(db, nil)
	status := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	status = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "connection refused", status.Dependencies["database"].Message)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_RedisIsNonCritical(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewHealthChecker(nil, client)
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	mr.Close()
	status := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)
}

func TestHealthChecker_AddCheck(t *testing.T) {
	checker := NewHealthChecker(nil, nil)
	checker.AddCheck("cache", false, func(ctx context.Context) error { return errors.New("down") })

	status := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)

	checker.AddCheck("plugins", true, func(ctx context.Context) error { return errors.New("not ready") })
	status = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "not ready", status.Dependencies["plugins"].Message)
}

func TestHealthRoutes(t *testing.T) {
	ready := false
	checker := NewHealthChecker(nil, nil)
	checker.AddCheck("plugins", true, func(ctx context.Context) error {
		if !ready {
			return errors.New("not ready")
		}
		return nil
	})

	mux := http.NewServeMux()
	RegisterHealthRoutes(mux, checker)

	tests := []struct {
		name   string
		path   string
		ready  bool
		status int
	}{
		{name: "live while not ready", path: "/health/live", ready: false, status: http.StatusOK},
		{name: "ready fails", path: "/health/ready", ready: false, status: http.StatusServiceUnavailable},
		{name: "ready succeeds", path: "/health/ready", ready: true, status: http.StatusOK},
		{name: "health alias", path: "/health", ready: true, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready = tt.ready
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["status"])
		})
	}
}
