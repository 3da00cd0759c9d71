// Package gormstore is the GORM-backed implementation of store.Store,
// grounded on the teacher's pkg/storage/postgres job store: fluent
// Where/Updates calls, RowsAffected-based ErrNotFound detection, and
// AutoMigrate-on-connect schema management.
package gormstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"jobtk/pkg/jobgraph"
	"jobtk/pkg/store"
)

// Store is a GORM-backed store.Store. It is dialect-agnostic: callers
// open the *gorm.DB with whichever driver they need (Postgres in
// production, SQLite in tests) and hand it to New.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// New wraps an already-open, already-migrated *gorm.DB.
func New(db *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

// Migrate runs AutoMigrate for the three logical tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&jobgraph.Job{}, &jobgraph.ArrayElement{}, &jobgraph.DependencyEdge{})
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		txStore := &Store{db: txdb, log: s.log}
		return fn(ctx, txStore)
	})
}

func (s *Store) CreateJob(ctx context.Context, job *jobgraph.Job, arraySpec *jobgraph.ArraySpec) (int64, error) {
	job.ArraySpec = arraySpec
	if job.Status == "" {
		job.Status = jobgraph.StatusSubmitted
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return 0, fmt.Errorf("%w: create job: %v", store.ErrConflict, err)
	}

	if job.ExternalID == nil {
		extID := job.Unique
		job.ExternalID = &extID
		if err := s.db.WithContext(ctx).Model(job).Update("external_id", extID).Error; err != nil {
			return 0, fmt.Errorf("jobgraph: assign default external id: %w", err)
		}
	}

	if arraySpec != nil {
		for _, idx := range arraySpec.Indices() {
			elem := &jobgraph.ArrayElement{ParentUnique: job.Unique, Index: idx, Status: jobgraph.StatusSubmitted}
			if err := s.db.WithContext(ctx).Create(elem).Error; err != nil {
				return 0, fmt.Errorf("create array element %d: %w", idx, err)
			}
		}
	}
	return job.Unique, nil
}

func (s *Store) CreateEdge(ctx context.Context, waiter, waitedFor int64) error {
	// Reject if waitedFor already reaches waiter transitively (i.e.
	// waitedFor depends, directly or indirectly, on waiter — adding
	// waiter->waitedFor would then close a cycle).
	reaches, err := s.reaches(ctx, waitedFor, waiter)
	if err != nil {
		return err
	}
	if reaches {
		return &jobgraph.CycleError{Waiter: waiter, WaitedFor: waitedFor}
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&jobgraph.DependencyEdge{}).
		Where("waiter_unique = ? AND waited_for_unique = ?", waiter, waitedFor).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil // duplicate edges are idempotent
	}

	edge := &jobgraph.DependencyEdge{WaiterUnique: waiter, WaitedForUnique: waitedFor}
	return s.db.WithContext(ctx).Create(edge).Error
}

// reaches reports whether a path exists from->to following
// waiter->waited_for edges (i.e. "from" transitively waits for "to").
func (s *Store) reaches(ctx context.Context, from, to int64) (bool, error) {
	if from == to {
		return true, nil
	}
	visited := map[int64]bool{from: true}
	frontier := []int64{from}
	for len(frontier) > 0 {
		var edges []jobgraph.DependencyEdge
		if err := s.db.WithContext(ctx).Where("waiter_unique IN ?", frontier).Find(&edges).Error; err != nil {
			return false, err
		}
		var next []int64
		for _, e := range edges {
			if e.WaitedForUnique == to {
				return true, nil
			}
			if !visited[e.WaitedForUnique] {
				visited[e.WaitedForUnique] = true
				next = append(next, e.WaitedForUnique)
			}
		}
		frontier = next
	}
	return false, nil
}

func (s *Store) GetJob(ctx context.Context, unique int64) (*jobgraph.Job, error) {
	var job jobgraph.Job
	err := s.db.WithContext(ctx).First(&job, "unique_id = ?", unique).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *Store) GetJobByExternalID(ctx context.Context, externalID int64) (*jobgraph.Job, error) {
	var job jobgraph.Job
	err := s.db.WithContext(ctx).First(&job, "external_id = ?", externalID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*jobgraph.Job, error) {
	q := s.db.WithContext(ctx).Model(&jobgraph.Job{})
	if len(filter.Uniques) > 0 {
		q = q.Where("unique_id IN ?", filter.Uniques)
	}
	if len(filter.Status) > 0 {
		q = q.Where("status IN ?", filter.Status)
	}
	var jobs []*jobgraph.Job
	if err := q.Order("unique_id asc").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) ListArrayElements(ctx context.Context, parentUnique int64) ([]*jobgraph.ArrayElement, error) {
	var elems []*jobgraph.ArrayElement
	err := s.db.WithContext(ctx).
		Where("parent_unique = ?", parentUnique).
		Order("idx asc").
		Find(&elems).Error
	if err != nil {
		return nil, err
	}
	return elems, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, unique int64, status jobgraph.Status, result *int, opts ...store.UpdateOption) error {
	o := store.ApplyUpdateOptions(opts)
	updates := map[string]interface{}{
		"status": status,
		"result": result,
	}
	if o.ExternalID != nil {
		updates["external_id"] = *o.ExternalID
	}
	if o.Name != nil {
		updates["name"] = *o.Name
	}
	if o.QueueName != nil {
		updates["queue_name"] = *o.QueueName
	}

	res := s.db.WithContext(ctx).Model(&jobgraph.Job{}).Where("unique_id = ?", unique).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateElementStatus(ctx context.Context, parentUnique int64, index int, status jobgraph.Status, result *int) error {
	res := s.db.WithContext(ctx).Model(&jobgraph.ArrayElement{}).
		Where("parent_unique = ? AND idx = ?", parentUnique, index).
		Updates(map[string]interface{}{"status": status, "result": result})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Predecessors(ctx context.Context, unique int64) ([]*jobgraph.Job, error) {
	var edges []jobgraph.DependencyEdge
	if err := s.db.WithContext(ctx).Where("waiter_unique = ?", unique).Find(&edges).Error; err != nil {
		return nil, err
	}
	return s.jobsForEdges(ctx, edges, func(e jobgraph.DependencyEdge) int64 { return e.WaitedForUnique })
}

func (s *Store) Successors(ctx context.Context, unique int64) ([]*jobgraph.Job, error) {
	var edges []jobgraph.DependencyEdge
	if err := s.db.WithContext(ctx).Where("waited_for_unique = ?", unique).Find(&edges).Error; err != nil {
		return nil, err
	}
	return s.jobsForEdges(ctx, edges, func(e jobgraph.DependencyEdge) int64 { return e.WaiterUnique })
}

func (s *Store) jobsForEdges(ctx context.Context, edges []jobgraph.DependencyEdge, pick func(jobgraph.DependencyEdge) int64) ([]*jobgraph.Job, error) {
	var out []*jobgraph.Job
	for _, e := range edges {
		id := pick(e)
		job, err := s.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// UnknownJob: the referenced job was deleted out from
				// under this edge; skip it rather than fail the walk.
				s.log.Warn("dependency references deleted job", zap.Int64("job_id", id))
				continue
			}
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Store) DeleteCascade(ctx context.Context, unique int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("parent_unique = ?", unique).Delete(&jobgraph.ArrayElement{}).Error; err != nil {
			return err
		}
		if err := tx.Where("waiter_unique = ? OR waited_for_unique = ?", unique, unique).Delete(&jobgraph.DependencyEdge{}).Error; err != nil {
			return err
		}
		res := tx.Where("unique_id = ?", unique).Delete(&jobgraph.Job{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}
