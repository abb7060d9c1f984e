// Package audit provides audit record storage for preflight runs.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/store"
	"gatekeeper/internal/types"
	"gatekeeper/internal/util"
)

// ErrNotFound is returned when an audit record does not exist.
var ErrNotFound = errors.New("audit record not found")

// Store defines the interface for audit record storage.
type Store interface {
	// Write stores an audit record and returns the audit ID.
	Write(ctx context.Context, record *types.AuditRecord) (string, error)

	// Get retrieves an audit record by ID.
	Get(ctx context.Context, auditID string) (*types.AuditRecord, error)

	// List retrieves audit records with optional filters, newest first.
	List(ctx context.Context, filter *ListFilter) ([]*types.AuditRecord, error)
}

// ListFilter contains optional filters for listing audit records.
type ListFilter struct {
	UserID    string
	IP        string
	Code      string
	Passed    *bool
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func (f *ListFilter) match(r *types.AuditRecord) bool {
	if f == nil {
		return true
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.IP != "" && r.IP != f.IP {
		return false
	}
	if f.Code != "" && r.Code != f.Code {
		return false
	}
	if f.Passed != nil && r.Passed != *f.Passed {
		return false
	}
	if !f.StartTime.IsZero() && r.CreatedAt.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && r.CreatedAt.After(f.EndTime) {
		return false
	}
	return true
}

func prepare(record *types.AuditRecord) {
	if record.AuditID == "" {
		record.AuditID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*types.AuditRecord
	order   []string // insertion order
}

// NewInMemoryStore creates a new in-memory audit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*types.AuditRecord),
		order:   make([]string, 0),
	}
}

func (s *InMemoryStore) Write(ctx context.Context, record *types.AuditRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepare(record)
	s.records[record.AuditID] = record
	s.order = append(s.order, record.AuditID)

	return record.AuditID, nil
}

func (s *InMemoryStore) Get(ctx context.Context, auditID string) (*types.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[auditID]
	if !ok {
		return nil, ErrNotFound
	}
	return record, nil
}

func (s *InMemoryStore) List(ctx context.Context, filter *ListFilter) ([]*types.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*types.AuditRecord, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		record := s.records[s.order[i]]
		if !filter.match(record) {
			continue
		}
		result = append(result, record)
		if filter != nil && filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// S3Store persists audit records as one JSON object per run.
type S3Store struct {
	client *store.S3Client
}

// NewS3Store creates a new S3-backed audit store.
func NewS3Store(client *store.S3Client) *S3Store {
	return &S3Store{client: client}
}

func (s *S3Store) Write(ctx context.Context, record *types.AuditRecord) (string, error) {
	prepare(record)
	if err := s.client.PutJSON(ctx, store.AuditKey(record.AuditID), record); err != nil {
		return "", fmt.Errorf("failed to write audit record: %w", err)
	}
	return record.AuditID, nil
}

func (s *S3Store) Get(ctx context.Context, auditID string) (*types.AuditRecord, error) {
	var record types.AuditRecord
	if err := s.client.GetJSON(ctx, store.AuditKey(auditID), &record); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// List scans the audit prefix. It is meant for operator tooling, not hot paths.
func (s *S3Store) List(ctx context.Context, filter *ListFilter) ([]*types.AuditRecord, error) {
	keys, err := s.client.List(ctx, "audit/", 0)
	if err != nil {
		return nil, err
	}

	result := make([]*types.AuditRecord, 0)
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, "audit/"), ".json")
		record, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if filter.match(record) {
			result = append(result, record)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter != nil && filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// NopStore discards records. Used when auditing is disabled.
type NopStore struct{}

func (NopStore) Write(ctx context.Context, record *types.AuditRecord) (string, error) {
	return "", nil
}

func (NopStore) Get(ctx context.Context, auditID string) (*types.AuditRecord, error) {
	return nil, ErrNotFound
}

func (NopStore) List(ctx context.Context, filter *ListFilter) ([]*types.AuditRecord, error) {
	return []*types.AuditRecord{}, nil
}

// Writer wraps a Store and provides convenience methods.
type Writer struct {
	store Store
}

// NewWriter creates a new audit writer.
func NewWriter(store Store) *Writer {
	return &Writer{store: store}
}

// Request identifies the caller of a preflight run.
type Request struct {
	UserID    string
	IP        string
	UserAgent string
	Content   string
}

// WriteFromResult creates and stores an audit record from a preflight result.
// The raw content is hashed, never stored.
func (w *Writer) WriteFromResult(ctx context.Context, req Request, res *types.PreflightResult) (string, error) {
	record := &types.AuditRecord{
		RequestID:       res.RequestID,
		UserID:          req.UserID,
		IP:              req.IP,
		UserAgent:       req.UserAgent,
		Passed:          res.Passed,
		FailedCheck:     res.FailedCheck,
		Code:            res.Code(),
		CheckResults:    res.CheckResults,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}
	if res.Result != nil && !res.Passed {
		record.Severity = res.Result.Severity
	}
	if req.Content != "" {
		record.MessageHash = util.HashString(req.Content)
	}

	return w.store.Write(ctx, record)
}
