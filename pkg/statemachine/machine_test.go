package statemachine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"jobtk/pkg/jobgraph"
	"jobtk/pkg/statemachine"
	"jobtk/pkg/store"
	"jobtk/pkg/store/gormstore"
)

// MachineTestSuite exercises the submit/queue/execute/finish events
// against a real GORM store, backed by an in-memory SQLite database so
// the dependency propagation runs against genuine transactions rather
// than a hand-rolled fake.
type MachineTestSuite struct {
	suite.Suite
	db *gorm.DB
	s  store.Store
}

func (s *MachineTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(s.T(), err)
	require.NoError(s.T(), gormstore.Migrate(db))
	s.db = db
	s.s = gormstore.New(db, nil)
}

func (s *MachineTestSuite) createJob(cmd string, stopOnFailure bool, array *jobgraph.ArraySpec) int64 {
	job := &jobgraph.Job{
		Command:       jobgraph.Command{cmd},
		Name:          "job",
		QueueName:     "local",
		StopOnFailure: stopOnFailure,
		Status:        jobgraph.StatusSubmitted,
	}
	unique, err := s.s.CreateJob(context.Background(), job, array)
	require.NoError(s.T(), err)
	return unique
}

func (s *MachineTestSuite) status(unique int64) jobgraph.Status {
	job, err := s.s.GetJob(context.Background(), unique)
	require.NoError(s.T(), err)
	return job.Status
}

func (s *MachineTestSuite) TestQueueWithNoDependenciesGoesStraightToQueued() {
	j := s.createJob("echo hi", false, nil)
	require.NoError(s.T(), statemachine.Queue(context.Background(), nil, s.s, j, statemachine.QueueOptions{}))
	s.Equal(jobgraph.StatusQueued, s.status(j))
}

func (s *MachineTestSuite) TestDependencyUnblock() {
	ctx := context.Background()
	j1 := s.createJob("step one", false, nil)
	j2 := s.createJob("step two", false, nil)
	require.NoError(s.T(), s.s.CreateEdge(ctx, j2, j1))

	require.NoError(s.T(), statemachine.Queue(ctx, nil, s.s, j1, statemachine.QueueOptions{}))
	require.NoError(s.T(), statemachine.Queue(ctx, nil, s.s, j2, statemachine.QueueOptions{}))
	s.Equal(jobgraph.StatusQueued, s.status(j1))
	s.Equal(jobgraph.StatusWaiting, s.status(j2))

	require.NoError(s.T(), statemachine.Execute(ctx, nil, s.s, j1, nil))
	require.NoError(s.T(), statemachine.Finish(ctx, nil, s.s, j1, 0, nil))

	s.Equal(jobgraph.StatusSuccess, s.status(j1))
	s.Equal(jobgraph.StatusQueued, s.status(j2))
}

func (s *MachineTestSuite) TestStopOnFailurePropagatesWithoutExecuting() {
	ctx := context.Background()
	j1 := s.createJob("step one", false, nil)
	j2 := s.createJob("step two", true, nil)
	require.NoError(s.T(), s.s.CreateEdge(ctx, j2, j1))

	require.NoError(s.T(), statemachine.Queue(ctx, nil, s.s, j1, statemachine.QueueOptions{}))
	require.NoError(s.T(), statemachine.Queue(ctx, nil, s.s, j2, statemachine.QueueOptions{}))
	require.NoError(s.T(), statemachine.Execute(ctx, nil, s.s, j1, nil))
	require.NoError(s.T(), statemachine.Finish(ctx, nil, s.s, j1, 17, nil))

	s.Equal(jobgraph.StatusFailure, s.status(j1))
	j2job, err := s.s.GetJob(ctx, j2)
	require.NoError(s.T(), err)
	s.Equal(jobgraph.StatusFailure, j2job.Status)
	s.Nil(j2job.Result)
}

func (s *MachineTestSuite) TestStopOnFailureCascadesThroughChainLongerThanTwo() {
	ctx := context.Background()
	j1 := s.createJob("step one", false, nil)
	j2 := s.createJob("step two", true, nil)
	j3 := s.createJob("step three", true, nil)
	require.NoError(s.T(), s.s.CreateEdge(ctx, j2, j1))
	require.NoError(s.T(), s.s.CreateEdge(ctx, j3, j2))

	require.NoError(s.T(), statemachine.Queue(ctx, nil, s.s, j1, statemachine.QueueOptions{}))
	require.NoError(s.T(), statemachine.Queue(ctx, nil, s.s, j2, statemachine.QueueOptions{}))
	require.NoError(s.T(), statemachine.Queue(ctx, nil, s.s, j3, statemachine.QueueOptions{}))
	s.Equal(jobgraph.StatusQueued, s.status(j1))
	s.Equal(jobgraph.StatusWaiting, s.status(j2))
	s.Equal(jobgraph.StatusWaiting, s.status(j3))

	require.NoError(s.T(), statemachine.Execute(ctx, nil, s.s, j1, nil))
	require.NoError(s.T(), statemachine.Finish(ctx, nil, s.s, j1, 9, nil))

	// j1's failure cascades into j2 (stop_on_failure), which must itself
	// recurse into j3 (also stop_on_failure) rather than leaving it
	// stranded in waiting.
	s.Equal(jobgraph.StatusFailure, s.status(j1))
	s.Equal(jobgraph.StatusFailure, s.status(j2))
	s.Equal(jobgraph.StatusFailure, s.status(j3))
}

func (s *MachineTestSuite) TestIllegalTransitionRejected() {
	ctx := context.Background()
	j := s.createJob("echo hi", false, nil)
	err := statemachine.Execute(ctx, nil, s.s, j, nil) // still submitted, execute is illegal
	require.Error(s.T(), err)
	s.True(jobgraph.IsIllegalTransition(err))
}

func (s *MachineTestSuite) TestArrayAggregationPicksLowestIndexNonZeroResult() {
	ctx := context.Background()
	j := s.createJob("echo hi", false, &jobgraph.ArraySpec{Start: 1, Stop: 3, Step: 1})
	require.NoError(s.T(), statemachine.Queue(ctx, nil, s.s, j, statemachine.QueueOptions{}))
	require.NoError(s.T(), statemachine.Execute(ctx, nil, s.s, j, intPtr(1)))
	require.NoError(s.T(), statemachine.Execute(ctx, nil, s.s, j, intPtr(2)))
	require.NoError(s.T(), statemachine.Execute(ctx, nil, s.s, j, intPtr(3)))

	require.NoError(s.T(), statemachine.Finish(ctx, nil, s.s, j, 0, intPtr(1)))
	s.Equal(jobgraph.StatusExecuting, s.status(j)) // still non-terminal

	require.NoError(s.T(), statemachine.Finish(ctx, nil, s.s, j, 7, intPtr(2)))
	require.NoError(s.T(), statemachine.Finish(ctx, nil, s.s, j, 3, intPtr(3)))

	job, err := s.s.GetJob(ctx, j)
	require.NoError(s.T(), err)
	s.Equal(jobgraph.StatusFailure, job.Status)
	require.NotNil(s.T(), job.Result)
	s.Equal(7, *job.Result) // lowest index (2) with a non-zero result wins over index 3's
}

func (s *MachineTestSuite) TestLostFinishIsHealedOnSuccessorExecute() {
	ctx := context.Background()
	parent := s.createJob("array job", false, &jobgraph.ArraySpec{Start: 1, Stop: 2, Step: 1})
	child := s.createJob("child job", false, nil)
	require.NoError(s.T(), s.s.CreateEdge(ctx, child, parent))

	require.NoError(s.T(), statemachine.Queue(ctx, nil, s.s, parent, statemachine.QueueOptions{}))
	require.NoError(s.T(), statemachine.Execute(ctx, nil, s.s, parent, intPtr(1)))
	require.NoError(s.T(), statemachine.Execute(ctx, nil, s.s, parent, intPtr(2)))

	// Both elements terminalize, but simulate a crashed worker: the
	// element rows land directly without routing through Finish, so
	// the parent job row is left stuck at executing.
	zero := 0
	require.NoError(s.T(), s.s.UpdateElementStatus(ctx, parent, 1, jobgraph.StatusSuccess, &zero))
	require.NoError(s.T(), s.s.UpdateElementStatus(ctx, parent, 2, jobgraph.StatusSuccess, &zero))
	s.Equal(jobgraph.StatusExecuting, s.status(parent))

	// Child was queued before the parent's finish ever landed and is
	// now stale — queued despite a non-terminal-looking predecessor.
	// This is exactly the inconsistency the self-heal guards against.
	require.NoError(s.T(), s.s.UpdateJobStatus(ctx, child, jobgraph.StatusQueued, nil))

	require.NoError(s.T(), statemachine.Execute(ctx, nil, s.s, child, nil))

	s.Equal(jobgraph.StatusFailure, s.status(parent)) // healed with sentinel result -1
	parentJob, err := s.s.GetJob(ctx, parent)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), parentJob.Result)
	s.Equal(-1, *parentJob.Result)
}

func intPtr(i int) *int { return &i }

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}
