package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-respond/internal/models"
)

// testRepository runs the behaviour every Repository implementation must share.
// Subtests use unique keys so they can share one database.
func testRepository(t *testing.T, repo Repository) {
	t.Run("create and get", func(t *testing.T) {
		ctx := context.Background()
		assignee := "analyst-1"

		created, err := repo.CreateCase(ctx, models.NewCase{
			Title:       "Manual case",
			Description: "opened by hand",
			Severity:    models.SeverityHigh,
			Assignee:    &assignee,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, models.CaseStatusOpen, created.Status)
		assert.Equal(t, models.CaseSourceManual, created.Source)
		assert.Nil(t, created.CorrelationKey)

		got, err := repo.GetCase(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Manual case", got.Title)
		assert.Equal(t, "opened by hand", got.Description)
		assert.Equal(t, models.SeverityHigh, got.Severity)
		require.NotNil(t, got.Assignee)
		assert.Equal(t, assignee, *got.Assignee)
		assert.Equal(t, 0, got.AlertCount)
	})

	t.Run("get missing case", func(t *testing.T) {
		_, err := repo.GetCase(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, ErrCaseNotFound)

		_, err = repo.GetCase(context.Background(), "not-a-uuid")
		assert.ErrorIs(t, err, ErrCaseNotFound)
	})

	t.Run("list filters by status", func(t *testing.T) {
		ctx := context.Background()
		open, err := repo.CreateCase(ctx, models.NewCase{Title: "still open", Severity: models.SeverityLow})
		require.NoError(t, err)
		closed, err := repo.CreateCase(ctx, models.NewCase{Title: "to close", Severity: models.SeverityLow})
		require.NoError(t, err)
		_, err = repo.UpdateCaseStatus(ctx, closed.ID, models.CaseStatusClosed)
		require.NoError(t, err)

		openCases, err := repo.ListCases(ctx, &models.ListCasesRequest{Status: models.CaseStatusOpen, Limit: MaxListLimit})
		require.NoError(t, err)
		assert.Contains(t, caseIDs(openCases), open.ID)
		assert.NotContains(t, caseIDs(openCases), closed.ID)
		for _, c := range openCases {
			assert.Equal(t, models.CaseStatusOpen, c.Status)
		}

		all, err := repo.ListCases(ctx, &models.ListCasesRequest{Limit: MaxListLimit})
		require.NoError(t, err)
		assert.Contains(t, caseIDs(all), open.ID)
		assert.Contains(t, caseIDs(all), closed.ID)

		one, err := repo.ListCases(ctx, &models.ListCasesRequest{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, one, 1)
	})

	t.Run("status transitions", func(t *testing.T) {
		ctx := context.Background()
		c, err := repo.CreateCase(ctx, models.NewCase{Title: "lifecycle", Severity: models.SeverityMedium})
		require.NoError(t, err)

		updated, err := repo.UpdateCaseStatus(ctx, c.ID, models.CaseStatusInvestigating)
		require.NoError(t, err)
		assert.Equal(t, models.CaseStatusInvestigating, updated.Status)
		assert.Nil(t, updated.ClosedAt)

		updated, err = repo.UpdateCaseStatus(ctx, c.ID, models.CaseStatusClosed)
		require.NoError(t, err)
		assert.Equal(t, models.CaseStatusClosed, updated.Status)
		assert.NotNil(t, updated.ClosedAt)

		_, err = repo.UpdateCaseStatus(ctx, c.ID, models.CaseStatusOpen)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = repo.UpdateCaseStatus(ctx, uuid.NewString(), models.CaseStatusClosed)
		assert.ErrorIs(t, err, ErrCaseNotFound)
	})

	t.Run("comments", func(t *testing.T) {
		ctx := context.Background()
		c, err := repo.CreateCase(ctx, models.NewCase{Title: "discussed", Severity: models.SeverityLow})
		require.NoError(t, err)

		first := &models.CaseComment{CaseID: c.ID, Author: "alice", Content: "looking"}
		require.NoError(t, repo.AddComment(ctx, first))
		assert.NotEmpty(t, first.ID)
		assert.False(t, first.CreatedAt.IsZero())
		require.NoError(t, repo.AddComment(ctx, &models.CaseComment{CaseID: c.ID, Author: "bob", Content: "benign"}))

		comments, err := repo.ListComments(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, comments, 2)
		assert.Equal(t, "alice", comments[0].Author)
		assert.Equal(t, "bob", comments[1].Author)

		err = repo.AddComment(ctx, &models.CaseComment{CaseID: uuid.NewString(), Author: "x", Content: "y"})
		assert.ErrorIs(t, err, ErrCaseNotFound)
	})

	t.Run("find or create reuses the open case", func(t *testing.T) {
		ctx := context.Background()
		key := uniqueIP()

		var first, second *models.Case
		err := repo.WithTx(ctx, func(tx Tx) error {
			c, created, err := tx.FindOrCreateOpenCase(ctx, key, correlationTemplate(key))
			require.NoError(t, err)
			assert.True(t, created)
			first = c
			return tx.AttachAlert(ctx, c.ID, testAlert(uuid.NewString(), key))
		})
		require.NoError(t, err)
		assert.Equal(t, models.CaseSourceCorrelation, first.Source)
		require.NotNil(t, first.CorrelationKey)
		assert.Equal(t, key, *first.CorrelationKey)

		err = repo.WithTx(ctx, func(tx Tx) error {
			c, created, err := tx.FindOrCreateOpenCase(ctx, key, correlationTemplate(key))
			require.NoError(t, err)
			assert.False(t, created)
			second = c
			return tx.AttachAlert(ctx, c.ID, testAlert(uuid.NewString(), key))
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		got, err := repo.GetCase(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.AlertCount)

		alerts, err := repo.GetCaseAlerts(ctx, first.ID)
		require.NoError(t, err)
		require.Len(t, alerts, 2)
		for _, a := range alerts {
			require.NotNil(t, a.CaseID)
			assert.Equal(t, first.ID, *a.CaseID)
			assert.Equal(t, models.AlertStatusNew, a.Status)
		}
	})

	t.Run("closed case is never reused", func(t *testing.T) {
		ctx := context.Background()
		key := uniqueIP()

		var original string
		require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
			c, _, err := tx.FindOrCreateOpenCase(ctx, key, correlationTemplate(key))
			original = c.ID
			return err
		}))
		_, err := repo.UpdateCaseStatus(ctx, original, models.CaseStatusClosed)
		require.NoError(t, err)

		require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
			if err := tx.AttachAlert(ctx, original, testAlert(uuid.NewString(), key)); !errors.Is(err, ErrCaseNotOpen) {
				t.Errorf("attach to closed case: got %v, want ErrCaseNotOpen", err)
			}
			return nil
		}))

		var replacement *models.Case
		require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
			c, created, err := tx.FindOrCreateOpenCase(ctx, key, correlationTemplate(key))
			assert.True(t, created)
			replacement = c
			return err
		}))
		assert.NotEqual(t, original, replacement.ID)

		closed, err := repo.GetCase(ctx, original)
		require.NoError(t, err)
		assert.Equal(t, models.CaseStatusClosed, closed.Status)
	})

	t.Run("investigating case frees the key", func(t *testing.T) {
		ctx := context.Background()
		key := uniqueIP()

		var original string
		require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
			c, _, err := tx.FindOrCreateOpenCase(ctx, key, correlationTemplate(key))
			original = c.ID
			return err
		}))
		_, err := repo.UpdateCaseStatus(ctx, original, models.CaseStatusInvestigating)
		require.NoError(t, err)

		var replacement string
		require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
			c, _, err := tx.FindOrCreateOpenCase(ctx, key, correlationTemplate(key))
			replacement = c.ID
			return err
		}))
		assert.NotEqual(t, original, replacement)

		_, err = repo.UpdateCaseStatus(ctx, original, models.CaseStatusOpen)
		assert.ErrorIs(t, err, ErrOpenCaseExists)
	})

	t.Run("duplicate alert is rejected", func(t *testing.T) {
		ctx := context.Background()
		key := uniqueIP()
		alertID := uuid.NewString()

		require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
			c, _, err := tx.FindOrCreateOpenCase(ctx, key, correlationTemplate(key))
			if err != nil {
				return err
			}
			return tx.AttachAlert(ctx, c.ID, testAlert(alertID, key))
		}))

		exists, err := repo.AlertExists(ctx, alertID)
		require.NoError(t, err)
		assert.True(t, exists)

		err = repo.WithTx(ctx, func(tx Tx) error {
			c, _, err := tx.FindOrCreateOpenCase(ctx, key, correlationTemplate(key))
			if err != nil {
				return err
			}
			return tx.AttachAlert(ctx, c.ID, testAlert(alertID, key))
		})
		assert.ErrorIs(t, err, ErrAlertExists)
	})

	t.Run("failed transaction rolls back", func(t *testing.T) {
		ctx := context.Background()
		key := uniqueIP()
		alertID := uuid.NewString()
		boom := errors.New("boom")

		err := repo.WithTx(ctx, func(tx Tx) error {
			c, _, err := tx.FindOrCreateOpenCase(ctx, key, correlationTemplate(key))
			require.NoError(t, err)
			require.NoError(t, tx.AttachAlert(ctx, c.ID, testAlert(alertID, key)))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		exists, err := repo.AlertExists(ctx, alertID)
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
			_, created, err := tx.FindOrCreateOpenCase(ctx, key, correlationTemplate(key))
			assert.True(t, created)
			return err
		}))
	})

	t.Run("savepoint discards only its own writes", func(t *testing.T) {
		ctx := context.Background()
		keep, drop := uniqueIP(), uniqueIP()
		keptAlert, droppedAlert := uuid.NewString(), uuid.NewString()

		require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
			err := tx.Savepoint(ctx, func(sp Tx) error {
				c, _, err := sp.FindOrCreateOpenCase(ctx, keep, correlationTemplate(keep))
				if err != nil {
					return err
				}
				return sp.AttachAlert(ctx, c.ID, testAlert(keptAlert, keep))
			})
			require.NoError(t, err)

			err = tx.Savepoint(ctx, func(sp Tx) error {
				c, _, err := sp.FindOrCreateOpenCase(ctx, drop, correlationTemplate(drop))
				if err != nil {
					return err
				}
				if err := sp.AttachAlert(ctx, c.ID, testAlert(droppedAlert, drop)); err != nil {
					return err
				}
				return errors.New("alert failed")
			})
			assert.Error(t, err)

			exists, err := tx.AlertExists(ctx, keptAlert)
			require.NoError(t, err)
			assert.True(t, exists)
			return nil
		}))

		exists, err := repo.AlertExists(ctx, keptAlert)
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = repo.AlertExists(ctx, droppedAlert)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("concurrent find or create yields one case", func(t *testing.T) {
		ctx := context.Background()
		key := uniqueIP()

		const workers = 8
		ids := make([]string, workers)
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.WithTx(ctx, func(tx Tx) error {
					c, _, err := tx.FindOrCreateOpenCase(ctx, key, correlationTemplate(key))
					if err != nil {
						return err
					}
					ids[i] = c.ID
					return tx.AttachAlert(ctx, c.ID, testAlert(uuid.NewString(), key))
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		got, err := repo.GetCase(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, workers, got.AlertCount)
	})

	t.Run("detection ledger", func(t *testing.T) {
		ctx := context.Background()
		key := models.NewDetectionKey("rule-"+uuid.NewString(), "10.0.0.1", time.Now(), 5*time.Minute)

		ok, err := repo.ClaimDetection(ctx, key, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.ClaimDetection(ctx, key, time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, repo.ReleaseDetection(ctx, key))
		ok, err = repo.ClaimDetection(ctx, key, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		pruned, err := repo.PruneDetections(ctx, time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, pruned, int64(1))

		ok, err = repo.ClaimDetection(ctx, key, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func caseIDs(cases []*models.Case) []string {
	ids := make([]string, 0, len(cases))
	for _, c := range cases {
		ids = append(ids, c.ID)
	}
	return ids
}

var (
	ipMu   sync.Mutex
	ipNext uint32 = 1
)

// uniqueIP hands out distinct addresses from 10.0.0.0/8.
func uniqueIP() string {
	ipMu.Lock()
	defer ipMu.Unlock()
	n := ipNext
	ipNext++
	return fmt.Sprintf("10.%d.%d.%d", n>>16&0xff, n>>8&0xff, n&0xff)
}

func correlationTemplate(ip string) models.NewCase {
	return models.NewCase{
		Title:       "Suspicious Activity from " + ip,
		Description: "Automated case created for IP " + ip,
		Severity:    models.SeverityMedium,
	}
}

func testAlert(alertID, ip string) *models.Alert {
	port := 443
	return &models.Alert{
		AlertID:   alertID,
		Signature: "ET SCAN Suspicious inbound",
		Severity:  "2",
		Category:  "Attempted Information Leak",
		SourceIP:  ip,
		DestIP:    "192.168.1.10",
		DestPort:  &port,
		Protocol:  "TCP",
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		RawData:   []byte(`{"event_type":"alert"}`),
	}
}
