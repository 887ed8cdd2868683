// Package service implements the case API on top of the repository.
package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-respond/common/logging"
	"github.com/telhawk-systems/telhawk-respond/internal/models"
	natspub "github.com/telhawk-systems/telhawk-respond/internal/nats"
	"github.com/telhawk-systems/telhawk-respond/internal/repository"
	"github.com/telhawk-systems/telhawk-respond/internal/rules"
)

// ErrValidation marks request errors caused by bad input.
var ErrValidation = errors.New("validation failed")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// RuleCatalog is the rule store surface exposed over the API.
type RuleCatalog interface {
	Rules() iter.Seq[models.Rule]
	LastErrors() []*rules.LoadError
	LoadedAt() time.Time
	Reload(ctx context.Context) (*rules.LoadResult, error)
}

// Service provides business logic for the respond service
type Service struct {
	repo      repository.Repository
	rules     RuleCatalog
	publisher *natspub.Publisher
	logger    *logging.Logger
}

// NewService creates a new Service instance
func NewService(repo repository.Repository, catalog RuleCatalog, publisher *natspub.Publisher, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{repo: repo, rules: catalog, publisher: publisher, logger: logger}
}

// CreateCase opens a manual case.
func (s *Service) CreateCase(ctx context.Context, req *models.CreateCaseRequest) (*models.Case, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, invalid("title is required")
	}

	severity := models.SeverityMedium
	if req.Severity != "" {
		severity = models.CaseSeverity(strings.ToLower(req.Severity))
		if !severity.IsValid() {
			return nil, invalid("invalid severity: %s", req.Severity)
		}
	}

	c, err := s.repo.CreateCase(ctx, models.NewCase{
		Title:       title,
		Description: req.Description,
		Severity:    severity,
		Source:      models.CaseSourceManual,
		Assignee:    req.Assignee,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Case created", logging.CaseID(c.ID))
	if err := s.publisher.PublishCaseCreated(ctx, natspub.NewCaseCreatedEvent(c)); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish case event", logging.CaseID(c.ID), logging.Error(err))
	}
	return c, nil
}

// GetCase returns a case with its alerts and comments.
func (s *Service) GetCase(ctx context.Context, id string) (*models.CaseDetail, error) {
	c, err := s.repo.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	alerts, err := s.repo.GetCaseAlerts(ctx, id)
	if err != nil {
		return nil, err
	}
	comments, err := s.repo.ListComments(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.CaseDetail{Case: c, Alerts: alerts, Comments: comments}, nil
}

// ListCases lists cases with the given status. An empty status means open;
// "all" disables the filter.
func (s *Service) ListCases(ctx context.Context, status string, limit int) ([]*models.Case, error) {
	req := &models.ListCasesRequest{Limit: limit}
	switch status {
	case "":
		req.Status = models.CaseStatusOpen
	case "all":
	default:
		req.Status = models.CaseStatus(status)
		if !req.Status.IsValid() {
			return nil, invalid("invalid status: %s", status)
		}
	}
	return s.repo.ListCases(ctx, req)
}

// AddComment appends an analyst comment to a case.
func (s *Service) AddComment(ctx context.Context, caseID string, req *models.AddCommentRequest) (*models.CaseComment, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, invalid("content is required")
	}
	author := strings.TrimSpace(req.Author)
	if author == "" {
		author = "analyst"
	}

	comment := &models.CaseComment{CaseID: caseID, Author: author, Content: req.Content}
	if err := s.repo.AddComment(ctx, comment); err != nil {
		return nil, err
	}
	return comment, nil
}

// CloseCase closes a case. Closed cases are never reopened, and the next alert
// for the same source opens a new case.
func (s *Service) CloseCase(ctx context.Context, id string) (*models.Case, error) {
	return s.setStatus(ctx, id, models.CaseStatusClosed)
}

// UpdateStatus applies a non-terminal status change. Closing goes through CloseCase.
func (s *Service) UpdateStatus(ctx context.Context, id string, req *models.UpdateStatusRequest) (*models.Case, error) {
	status := models.CaseStatus(strings.ToLower(req.Status))
	if !status.IsValid() {
		return nil, invalid("invalid status: %s", req.Status)
	}
	if status == models.CaseStatusClosed {
		return nil, invalid("use the close endpoint to close a case")
	}
	return s.setStatus(ctx, id, status)
}

func (s *Service) setStatus(ctx context.Context, id string, status models.CaseStatus) (*models.Case, error) {
	c, err := s.repo.UpdateCaseStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Case status changed", logging.CaseID(c.ID), "status", string(c.Status))
	if err := s.publisher.PublishCaseUpdated(ctx, natspub.NewCaseUpdatedEvent(c)); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish case event", logging.CaseID(c.ID), logging.Error(err))
	}
	return c, nil
}

// RulesResponse lists the active rule set.
type RulesResponse struct {
	Rules    []models.Rule      `json:"rules"`
	Errors   []*rules.LoadError `json:"errors"`
	LoadedAt time.Time          `json:"loaded_at"`
}

// ListRules returns the active rules and the errors of the last load.
func (s *Service) ListRules() *RulesResponse {
	errs := s.rules.LastErrors()
	if errs == nil {
		errs = []*rules.LoadError{}
	}
	list := slices.Collect(s.rules.Rules())
	if list == nil {
		list = []models.Rule{}
	}
	return &RulesResponse{Rules: list, Errors: errs, LoadedAt: s.rules.LoadedAt()}
}

// ReloadResponse summarizes a rule reload.
type ReloadResponse struct {
	Loaded int                `json:"loaded"`
	Files  int                `json:"files"`
	Errors []*rules.LoadError `json:"errors"`
}

// ReloadRules rescans the rules directory.
func (s *Service) ReloadRules(ctx context.Context) (*ReloadResponse, error) {
	res, err := s.rules.Reload(ctx)
	if err != nil {
		return nil, err
	}
	errs := res.Errors
	if errs == nil {
		errs = []*rules.LoadError{}
	}
	return &ReloadResponse{Loaded: len(res.Rules), Files: res.Files, Errors: errs}, nil
}

// Ready checks the case store.
func (s *Service) Ready(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
