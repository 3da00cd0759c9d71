package grid_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"jobtk/pkg/backend"
	"jobtk/pkg/backend/grid"
	"jobtk/pkg/jobgraph"
	"jobtk/pkg/statemachine"
	"jobtk/pkg/store"
	"jobtk/pkg/store/gormstore"
)

type fakeGridClient struct {
	nextID    int64
	submitErr error
	stopErr   error
	stopped   []int64
}

func (f *fakeGridClient) Submit(ctx context.Context, command []string, queueName string, args map[string]string, arraySpec *jobgraph.ArraySpec) (int64, error) {
	if f.submitErr != nil {
		return 0, f.submitErr
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeGridClient) Stop(ctx context.Context, externalID int64) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, externalID)
	return nil
}

type GridBackendTestSuite struct {
	suite.Suite
	s      store.Store
	client *fakeGridClient
	be     *grid.Backend
}

func (s *GridBackendTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(s.T(), err)
	require.NoError(s.T(), gormstore.Migrate(db))
	s.s = gormstore.New(db, nil)
	s.client = &fakeGridClient{}
	s.be = grid.New(s.s, s.client, nil)
}

func (s *GridBackendTestSuite) TestSubmitAssignsClientExternalID() {
	ctx := context.Background()
	job := &jobgraph.Job{Command: jobgraph.Command{"echo", "hi"}, Status: jobgraph.StatusSubmitted}
	unique, err := s.s.CreateJob(ctx, job, nil)
	require.NoError(s.T(), err)

	externalID, err := s.be.Submit(ctx, unique, backend.SubmitOptions{QueueName: "all.q"})
	require.NoError(s.T(), err)
	s.Equal(int64(1), externalID)
}

func (s *GridBackendTestSuite) TestSubmitFailureWrapsBackendError() {
	ctx := context.Background()
	s.client.submitErr = errors.New("grid master unreachable")
	job := &jobgraph.Job{Command: jobgraph.Command{"echo"}, Status: jobgraph.StatusSubmitted}
	unique, err := s.s.CreateJob(ctx, job, nil)
	require.NoError(s.T(), err)

	_, err = s.be.Submit(ctx, unique, backend.SubmitOptions{})
	require.Error(s.T(), err)
	s.ErrorIs(err, jobgraph.ErrBackendError)
}

func (s *GridBackendTestSuite) TestStopCallsClientWithExternalID() {
	ctx := context.Background()
	job := &jobgraph.Job{Command: jobgraph.Command{"echo"}, Status: jobgraph.StatusSubmitted}
	unique, err := s.s.CreateJob(ctx, job, nil)
	require.NoError(s.T(), err)
	extID := int64(42)
	require.NoError(s.T(), s.s.UpdateJobStatus(ctx, unique, jobgraph.StatusExecuting, nil, store.WithExternalID(extID)))

	require.NoError(s.T(), s.be.Stop(ctx, []int64{unique}))
	s.Equal([]int64{extID}, s.client.stopped)
}

func (s *GridBackendTestSuite) TestRunOneExecutesAndFinishes() {
	ctx := context.Background()
	job := &jobgraph.Job{Command: jobgraph.Command{"true"}, Status: jobgraph.StatusSubmitted}
	unique, err := s.s.CreateJob(ctx, job, nil)
	require.NoError(s.T(), err)
	require.NoError(s.T(), statemachine.Queue(ctx, nil, s.s, unique, statemachine.QueueOptions{}))

	require.NoError(s.T(), s.be.RunOne(ctx, unique, nil))

	got, err := s.s.GetJob(ctx, unique)
	require.NoError(s.T(), err)
	s.Equal(jobgraph.StatusSuccess, got.Status)
}

func TestGridBackendSuite(t *testing.T) {
	suite.Run(t, new(GridBackendTestSuite))
}
