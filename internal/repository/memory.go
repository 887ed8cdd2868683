package repository

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-respond/internal/models"
)

var errTxDone = errors.New("transaction already finished")

type memState struct {
	cases    map[string]models.Case
	alerts   map[string]models.Alert // keyed by external alert id
	openKeys map[string]string       // correlation key -> open case id
}

func (s *memState) clone() *memState {
	return &memState{
		cases:    maps.Clone(s.cases),
		alerts:   maps.Clone(s.alerts),
		openKeys: maps.Clone(s.openKeys),
	}
}

// InMemoryRepository implements Repository in process memory. A transaction
// holds the repository lock until it finishes and works on a private copy of
// the state that replaces the shared state on commit. Calling non-Tx
// repository methods from inside WithTx deadlocks.
type InMemoryRepository struct {
	mu       sync.Mutex
	state    *memState
	comments map[string][]models.CaseComment
	fires    map[string]time.Time
	now      func() time.Time
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		state: &memState{
			cases:    make(map[string]models.Case),
			alerts:   make(map[string]models.Alert),
			openKeys: make(map[string]string),
		},
		comments: make(map[string][]models.CaseComment),
		fires:    make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Intended for tests.
func (r *InMemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *InMemoryRepository) WithTx(ctx context.Context, fn func(Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{st: r.state.clone(), now: r.now}
	defer func() { tx.done = true }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.state = tx.st
	return nil
}

func (r *InMemoryRepository) CreateCase(ctx context.Context, nc models.NewCase) (*models.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if nc.Source == models.CaseSourceCorrelation && nc.CorrelationKey != "" {
		if _, taken := r.state.openKeys[nc.CorrelationKey]; taken {
			return nil, ErrOpenCaseExists
		}
	}

	c := buildCase(nc, r.now())
	r.state.cases[c.ID] = c
	if c.Source == models.CaseSourceCorrelation && c.CorrelationKey != nil {
		r.state.openKeys[*c.CorrelationKey] = c.ID
	}
	return &c, nil
}

func (r *InMemoryRepository) GetCase(ctx context.Context, id string) (*models.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.state.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return &c, nil
}

func (r *InMemoryRepository) ListCases(ctx context.Context, req *models.ListCasesRequest) ([]*models.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.Case, 0)
	for _, c := range r.state.cases {
		if req.Status != "" && c.Status != req.Status {
			continue
		}
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *models.Case) int {
		if n := b.CreatedAt.Compare(a.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(b.ID, a.ID)
	})

	if limit := listLimit(req.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) UpdateCaseStatus(ctx context.Context, id string, status models.CaseStatus) (*models.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.state.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	if !c.Status.CanTransitionTo(status) {
		return nil, ErrInvalidTransition
	}

	now := r.now()
	if c.Source == models.CaseSourceCorrelation && c.CorrelationKey != nil {
		key := *c.CorrelationKey
		switch {
		case status == models.CaseStatusOpen:
			if _, taken := r.state.openKeys[key]; taken {
				return nil, ErrOpenCaseExists
			}
			r.state.openKeys[key] = c.ID
		case c.Status == models.CaseStatusOpen:
			delete(r.state.openKeys, key)
		}
	}

	c.Status = status
	c.UpdatedAt = now
	if status == models.CaseStatusClosed {
		c.ClosedAt = &now
	}
	r.state.cases[id] = c
	return &c, nil
}

func (r *InMemoryRepository) GetCaseAlerts(ctx context.Context, caseID string) ([]*models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.state.cases[caseID]; !ok {
		return nil, ErrCaseNotFound
	}

	out := make([]*models.Alert, 0)
	for _, a := range r.state.alerts {
		if a.CaseID != nil && *a.CaseID == caseID {
			out = append(out, &a)
		}
	}
	slices.SortFunc(out, func(a, b *models.Alert) int {
		if n := a.Timestamp.Compare(b.Timestamp); n != 0 {
			return n
		}
		return cmp.Compare(a.AlertID, b.AlertID)
	})
	return out, nil
}

func (r *InMemoryRepository) AlertExists(ctx context.Context, alertID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.state.alerts[alertID]
	return ok, nil
}

// AlertCount returns the number of stored alerts.
func (r *InMemoryRepository) AlertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.alerts)
}

func (r *InMemoryRepository) AddComment(ctx context.Context, c *models.CaseComment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.state.cases[c.CaseID]; !ok {
		return ErrCaseNotFound
	}
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	r.comments[c.CaseID] = append(slices.Clone(r.comments[c.CaseID]), *c)
	return nil
}

func (r *InMemoryRepository) ListComments(ctx context.Context, caseID string) ([]*models.CaseComment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.state.cases[caseID]; !ok {
		return nil, ErrCaseNotFound
	}

	out := make([]*models.CaseComment, 0, len(r.comments[caseID]))
	for _, c := range r.comments[caseID] {
		out = append(out, &c)
	}
	return out, nil
}

func (r *InMemoryRepository) ClaimDetection(ctx context.Context, key models.DetectionKey, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	k := key.String()
	if exp, ok := r.fires[k]; ok && exp.After(now) {
		return false, nil
	}
	r.fires[k] = now.Add(ttl)
	return true, nil
}

func (r *InMemoryRepository) ReleaseDetection(ctx context.Context, key models.DetectionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.fires, key.String())
	return nil
}

func (r *InMemoryRepository) PruneDetections(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, exp := range r.fires {
		if !exp.After(now) {
			delete(r.fires, k)
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (r *InMemoryRepository) Close() {}

type memTx struct {
	st   *memState
	now  func() time.Time
	done bool
}

func (t *memTx) AlertExists(ctx context.Context, alertID string) (bool, error) {
	if t.done {
		return false, errTxDone
	}
	_, ok := t.st.alerts[alertID]
	return ok, nil
}

func (t *memTx) FindOrCreateOpenCase(ctx context.Context, key string, tmpl models.NewCase) (*models.Case, bool, error) {
	if t.done {
		return nil, false, errTxDone
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if id, ok := t.st.openKeys[key]; ok {
		if c, ok := t.st.cases[id]; ok && c.Status.AcceptsAlerts() {
			return &c, false, nil
		}
	}

	tmpl.CorrelationKey = key
	tmpl.Source = models.CaseSourceCorrelation
	c := buildCase(tmpl, t.now())
	t.st.cases[c.ID] = c
	t.st.openKeys[key] = c.ID
	return &c, true, nil
}

func (t *memTx) AttachAlert(ctx context.Context, caseID string, alert *models.Alert) error {
	if t.done {
		return errTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c, ok := t.st.cases[caseID]
	if !ok {
		return ErrCaseNotFound
	}
	if !c.Status.AcceptsAlerts() {
		return ErrCaseNotOpen
	}
	if _, exists := t.st.alerts[alert.AlertID]; exists {
		return ErrAlertExists
	}

	now := t.now()
	if alert.ID == "" {
		alert.ID = newID()
	}
	if alert.Status == "" {
		alert.Status = models.AlertStatusNew
	}
	alert.CaseID = &caseID
	alert.CreatedAt = now

	t.st.alerts[alert.AlertID] = *alert
	c.UpdatedAt = now
	c.AlertCount++
	t.st.cases[caseID] = c
	return nil
}

func (t *memTx) Savepoint(ctx context.Context, fn func(Tx) error) error {
	if t.done {
		return errTxDone
	}

	inner := &memTx{st: t.st.clone(), now: t.now}
	defer func() { inner.done = true }()

	if err := fn(inner); err != nil {
		return err
	}
	t.st = inner.st
	return nil
}

func buildCase(nc models.NewCase, now time.Time) models.Case {
	source := nc.Source
	if source == "" {
		source = models.CaseSourceManual
	}
	c := models.Case{
		ID:          newID(),
		Title:       nc.Title,
		Description: nc.Description,
		Source:      source,
		Status:      models.CaseStatusOpen,
		Severity:    nc.Severity,
		Assignee:    nc.Assignee,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if nc.CorrelationKey != "" {
		key := nc.CorrelationKey
		c.CorrelationKey = &key
	}
	return c
}
