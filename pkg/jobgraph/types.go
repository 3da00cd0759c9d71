package jobgraph

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// Command is the ordered argv sequence of a submitted job, preserved
// byte-for-byte across the store round-trip (P5).
type Command []string

func (c *Command) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return errors.New("jobgraph: type assertion to []byte failed for Command")
		}
	}
	if len(bytes) == 0 {
		*c = nil
		return nil
	}
	return json.Unmarshal(bytes, c)
}

func (c Command) Value() (driver.Value, error) {
	return json.Marshal([]string(c))
}

// Args is the backend-specific keyword-argument map attached to a job
// (e.g. grid queue resource requests). Stored as an opaque JSON blob.
type Args map[string]string

func (a *Args) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return errors.New("jobgraph: type assertion to []byte failed for Args")
		}
	}
	if len(bytes) == 0 {
		*a = nil
		return nil
	}
	return json.Unmarshal(bytes, a)
}

func (a Args) Value() (driver.Value, error) {
	return json.Marshal(map[string]string(a))
}

// ArraySpec is the inclusive arithmetic progression (start, stop, step)
// that an array job expands into one ArrayElement per member.
type ArraySpec struct {
	Start int `json:"start"`
	Stop  int `json:"stop"`
	Step  int `json:"step"`
}

func (s *ArraySpec) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		if str, ok := value.(string); ok {
			bytes = []byte(str)
		} else {
			return errors.New("jobgraph: type assertion to []byte failed for ArraySpec")
		}
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, s)
}

func (s ArraySpec) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Indices returns the inclusive progression start, start+step, ..., stop.
func (s ArraySpec) Indices() []int {
	if s.Step <= 0 {
		return nil
	}
	var out []int
	for i := s.Start; i <= s.Stop; i += s.Step {
		out = append(out, i)
	}
	return out
}

// Contains reports whether idx is a member of the progression.
func (s ArraySpec) Contains(idx int) bool {
	if s.Step <= 0 || idx < s.Start || idx > s.Stop {
		return false
	}
	return (idx-s.Start)%s.Step == 0
}

// Job is one user-submitted command, possibly expanded into an array.
type Job struct {
	Unique        int64 `gorm:"column:unique_id;primaryKey;autoIncrement"`
	ExternalID    *int64
	Command       Command `gorm:"type:text"`
	Name          string
	QueueName     string
	Args          Args `gorm:"type:text"`
	LogDir        string
	ArraySpec     *ArraySpec `gorm:"type:text"`
	StopOnFailure bool
	Status        Status
	Result        *int
}

func (Job) TableName() string { return "jobs" }

// IsArray reports whether this job has an array expansion.
func (j *Job) IsArray() bool { return j.ArraySpec != nil }

// ArrayElement is one element of an array job.
type ArrayElement struct {
	ParentUnique int64 `gorm:"primaryKey"`
	Index        int   `gorm:"column:idx;primaryKey"`
	Status       Status
	Result       *int
}

func (ArrayElement) TableName() string { return "array_elements" }

// DependencyEdge is a directed edge: Waiter must wait for WaitedFor to
// reach a terminal state before it may be queued.
type DependencyEdge struct {
	ID              int64 `gorm:"primaryKey;autoIncrement"`
	WaiterUnique    int64
	WaitedForUnique int64
}

func (DependencyEdge) TableName() string { return "dependency_edges" }
