package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cordum/jobgate/core/infra/kv"
	"golang.org/x/sync/errgroup"
)

const (
	jobInfoKeyPrefix   = "_job_info_"
	driverJobKeyPrefix = "_driver_job_"
)

// ErrNotFound is returned when no job matches an id.
var ErrNotFound = errors.New("job not found")

// Lookup resolves job records for the gateway.
type Lookup interface {
	// FindJobByIDs accepts a submission id or a driver job id.
	FindJobByIDs(ctx context.Context, id string) (*JobDetails, error)
	// ListJobs returns submission jobs followed by driver-only jobs.
	ListJobs(ctx context.Context) ([]JobDetails, error)
}

// Store reads job records and the driver registry from the metadata store.
// Writes exist for agents and tooling; the gateway itself only reads.
type Store struct {
	kv kv.Store
}

// NewStore constructs a job store over the metadata store.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

func jobInfoKey(submissionID string) string {
	return jobInfoKeyPrefix + submissionID
}

func driverJobKey(jobID string) string {
	return driverJobKeyPrefix + jobID
}

// GetInfo returns the record for a submission id or ErrNotFound.
func (s *Store) GetInfo(ctx context.Context, submissionID string) (*JobInfo, error) {
	if submissionID == "" {
		return nil, ErrNotFound
	}
	data, err := s.kv.Get(ctx, jobInfoKey(submissionID), kv.NamespaceJob)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var info JobInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode job info %s: %w", submissionID, err)
	}
	return &info, nil
}

// PutInfo stores the record for a submission id.
func (s *Store) PutInfo(ctx context.Context, submissionID string, info *JobInfo) error {
	if submissionID == "" || info == nil {
		return fmt.Errorf("submission id and info required")
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode job info: %w", err)
	}
	_, err = s.kv.Put(ctx, jobInfoKey(submissionID), data, true, kv.NamespaceJob)
	return err
}

type submissionRecord struct {
	ID   string
	Info JobInfo
}

// listInfos returns every submission record ordered by start time, then id.
func (s *Store) listInfos(ctx context.Context) ([]submissionRecord, error) {
	keys, err := s.kv.Keys(ctx, jobInfoKeyPrefix, kv.NamespaceJob)
	if err != nil {
		return nil, err
	}
	out := make([]submissionRecord, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, jobInfoKeyPrefix)
		info, err := s.GetInfo(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// deleted between listing and read
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, submissionRecord{ID: id, Info: *info})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Info.StartTime != out[j].Info.StartTime {
			return out[i].Info.StartTime < out[j].Info.StartTime
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PutDriver registers a driver job.
func (s *Store) PutDriver(ctx context.Context, job *DriverJob) error {
	if job == nil || job.JobID == "" {
		return fmt.Errorf("driver job id required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode driver job: %w", err)
	}
	_, err = s.kv.Put(ctx, driverJobKey(job.JobID), data, true, kv.NamespaceJob)
	return err
}

// listDrivers returns the registry ordered by job id; job ids are allocated
// sequentially so this is registration order.
func (s *Store) listDrivers(ctx context.Context) ([]DriverJob, error) {
	keys, err := s.kv.Keys(ctx, driverJobKeyPrefix, kv.NamespaceJob)
	if err != nil {
		return nil, err
	}
	out := make([]DriverJob, 0, len(keys))
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key, kv.NamespaceJob)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var job DriverJob
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("decode driver job %s: %w", key, err)
		}
		out = append(out, job)
	}
	return out, nil
}

type driverIndex struct {
	// driver-only jobs in registry order
	drivers []JobDetails
	byJobID map[string]int
	// submission id -> driver running it
	bySubmission map[string]DriverInfo
}

func (s *Store) driverJobs(ctx context.Context) (*driverIndex, error) {
	list, err := s.listDrivers(ctx)
	if err != nil {
		return nil, err
	}
	idx := &driverIndex{
		byJobID:      make(map[string]int),
		bySubmission: make(map[string]DriverInfo),
	}
	for _, d := range list {
		if d.SubmissionID != "" {
			driver := d.Driver
			driver.ID = d.JobID
			idx.bySubmission[d.SubmissionID] = driver
			continue
		}
		driver := d.Driver
		driver.ID = d.JobID
		status := StatusRunning
		if d.IsDead {
			status = StatusSucceeded
		}
		idx.byJobID[d.JobID] = len(idx.drivers)
		idx.drivers = append(idx.drivers, JobDetails{
			Type:       TypeDriver,
			JobID:      d.JobID,
			DriverInfo: &driver,
			JobInfo: JobInfo{
				Status:     status,
				Entrypoint: d.Entrypoint,
				StartTime:  d.StartTime,
				EndTime:    d.EndTime,
				Metadata:   d.Metadata,
				RuntimeEnv: d.RuntimeEnv,
			},
		})
	}
	return idx, nil
}

func submissionDetails(submissionID string, info JobInfo, idx *driverIndex) JobDetails {
	details := JobDetails{
		Type:         TypeSubmission,
		SubmissionID: submissionID,
		JobInfo:      info,
	}
	if driver, ok := idx.bySubmission[submissionID]; ok {
		d := driver
		details.JobID = d.ID
		details.DriverInfo = &d
	}
	return details
}

// FindJobByIDs resolves id as a driver-only job id, then as the job id of a
// submission's driver, then as a submission id.
func (s *Store) FindJobByIDs(ctx context.Context, id string) (*JobDetails, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	idx, err := s.driverJobs(ctx)
	if err != nil {
		return nil, err
	}
	if i, ok := idx.byJobID[id]; ok {
		details := idx.drivers[i]
		return &details, nil
	}

	submissionID := id
	for sid, driver := range idx.bySubmission {
		if driver.ID == id {
			submissionID = sid
			break
		}
	}
	info, err := s.GetInfo(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	details := submissionDetails(submissionID, *info, idx)
	return &details, nil
}

// ListJobs joins submission jobs with their drivers and appends driver-only jobs.
// Both halves keep their source order.
func (s *Store) ListJobs(ctx context.Context) ([]JobDetails, error) {
	var (
		idx         *driverIndex
		submissions []submissionRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		idx, err = s.driverJobs(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		submissions, err = s.listInfos(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]JobDetails, 0, len(submissions)+len(idx.drivers))
	for _, rec := range submissions {
		out = append(out, submissionDetails(rec.ID, rec.Info, idx))
	}
	out = append(out, idx.drivers...)
	return out, nil
}
