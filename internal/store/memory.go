package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
)

type memoryRecord struct {
	totalClients int
	clients      map[string]struct{}
	schema       []byte
	finalResult  []byte
	claimOwner   string
	claimedUntil time.Time
}

// MemoryStore keeps job state in process memory behind a single mutex.
// Values are stored serialized so callers never share slices with the store.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memoryRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memoryRecord),
	}
}

func (s *MemoryStore) Exists(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok, nil
}

func (s *MemoryStore) Create(_ context.Context, jobID string, totalClients int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; ok {
		return nil
	}
	s.jobs[jobID] = &memoryRecord{
		totalClients: totalClients,
		clients:      make(map[string]struct{}),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	clients := make([]string, 0, len(rec.clients))
	for id := range rec.clients {
		clients = append(clients, id)
	}
	sort.Strings(clients)

	job := &domain.JobRecord{
		JobID:          jobID,
		TotalClients:   rec.totalClients,
		DoneCount:      len(rec.clients),
		UpdatedClients: clients,
	}
	if rec.claimOwner != "" {
		job.AggregationLeaseUntil = rec.claimedUntil
	}
	if err := decodeColumns(job, rec.schema, rec.finalResult); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *MemoryStore) StoreSchemaOnce(_ context.Context, jobID string, schema []domain.FeatureSpec) (bool, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return false, fmt.Errorf("failed to marshal schema: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if rec.schema != nil {
		return false, nil
	}
	rec.schema = data
	return true, nil
}

func (s *MemoryStore) RecordClientDone(_ context.Context, jobID, clientID string) (domain.RecordOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return domain.RecordOutcome{}, domain.ErrJobNotFound
	}

	outcome := domain.RecordOutcome{
		DoneCount:    len(rec.clients),
		TotalClients: rec.totalClients,
	}
	if _, member := rec.clients[clientID]; member {
		return outcome, nil
	}
	if len(rec.clients) >= rec.totalClients {
		outcome.Full = true
		return outcome, nil
	}

	rec.clients[clientID] = struct{}{}
	outcome.Added = true
	outcome.DoneCount = len(rec.clients)
	outcome.Closed = outcome.DoneCount == rec.totalClients
	return outcome, nil
}

func (s *MemoryStore) SetFinalResult(_ context.Context, jobID string, result *domain.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal final result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	rec.finalResult = data
	return nil
}

func (s *MemoryStore) ClaimAggregation(_ context.Context, jobID, owner string, now time.Time, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if rec.claimOwner != "" && rec.claimOwner != owner && now.Before(rec.claimedUntil) {
		return false, nil
	}
	rec.claimOwner = owner
	rec.claimedUntil = now.Add(lease)
	return true, nil
}

func (s *MemoryStore) ReleaseAggregation(_ context.Context, jobID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if rec.claimOwner == owner {
		rec.claimOwner = ""
		rec.claimedUntil = time.Time{}
	}
	return nil
}

// decodeColumns fills the serialized optional fields of a record
func decodeColumns(job *domain.JobRecord, schema, finalResult []byte) error {
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &job.Schema); err != nil {
			return fmt.Errorf("failed to unmarshal schema: %w", err)
		}
	}
	if len(finalResult) > 0 {
		var result domain.JobResult
		if err := json.Unmarshal(finalResult, &result); err != nil {
			return fmt.Errorf("failed to unmarshal final result: %w", err)
		}
		job.FinalResult = &result
	}
	return nil
}
