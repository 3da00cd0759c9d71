package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"jobtk/pkg/api"
	"jobtk/pkg/backend"
	"jobtk/pkg/store/gormstore"
)

var serverTestDBCounter int64

// fakeBackend is a no-op backend.Backend, letting the HTTP layer be
// exercised without a real queue or grid master.
type fakeBackend struct {
	submitErr error
}

func (b *fakeBackend) Submit(ctx context.Context, unique int64, opts backend.SubmitOptions) (int64, error) {
	if b.submitErr != nil {
		return 0, b.submitErr
	}
	return unique, nil
}

func (b *fakeBackend) Resubmit(ctx context.Context, uniques []int64, failedOnly, includeRunning bool) error {
	return nil
}

func (b *fakeBackend) Stop(ctx context.Context, uniques []int64) error { return nil }

func (b *fakeBackend) RunOne(ctx context.Context, unique int64, elementIndex *int) error { return nil }

func (b *fakeBackend) Close() error { return nil }

type ServerTestSuite struct {
	suite.Suite
	server *api.Server
}

func (s *ServerTestSuite) SetupTest() {
	dsn := fmt.Sprintf("file:servertest%d?mode=memory&cache=shared", atomic.AddInt64(&serverTestDBCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(s.T(), err)
	require.NoError(s.T(), gormstore.Migrate(db))

	s.server = api.NewServer(api.Config{
		Store:   gormstore.New(db, nil),
		Backend: &fakeBackend{},
	})
}

func (s *ServerTestSuite) doJSON(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody []byte
	if body != nil {
		reqBody, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.Router().ServeHTTP(w, req)
	return w
}

func (s *ServerTestSuite) TestHealthCheck() {
	w := s.doJSON(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, w.Code)
}

func (s *ServerTestSuite) TestSubmitAndGetJob() {
	w := s.doJSON(http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"name":    "build",
		"command": []string{"echo", "hi"},
	})
	s.Equal(http.StatusCreated, w.Code)

	var created struct {
		Job struct {
			ExternalID int64 `json:"external_id"`
		} `json:"job"`
	}
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &created))
	s.NotZero(created.Job.ExternalID)

	w = s.doJSON(http.MethodGet, "/api/v1/jobs", nil)
	s.Equal(http.StatusOK, w.Code)

	var listed struct {
		Count int `json:"count"`
	}
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &listed))
	s.Equal(1, listed.Count)
}

func (s *ServerTestSuite) TestSubmitRejectsDangerousCommand() {
	w := s.doJSON(http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"command": []string{"rm -rf /"},
	})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ServerTestSuite) TestGetUnknownJobReturns404() {
	w := s.doJSON(http.MethodGet, "/api/v1/jobs/999", nil)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *ServerTestSuite) TestListWorkersWithoutRegistryIsEmpty() {
	w := s.doJSON(http.MethodGet, "/api/v1/workers", nil)
	s.Equal(http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal(0, resp.Count)
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}
