package match

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/datastore"
	"github.com/NicolasHaas/byteswap/pkg/metrics"
	"github.com/NicolasHaas/byteswap/pkg/model"
)

// Service persists the requester's preferences, loads the candidate pool and
// scores it. Clients call Find repeatedly on a poll interval while searching.
type Service struct {
	Store   datastore.DataProviderFactory
	Window  time.Duration
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return StalenessWindow
}

// Find records teach and learn for userID and returns the scored candidates.
func (s *Service) Find(ctx context.Context, userID string, teach, learn []string) (Result, error) {
	teach = model.NormalizeSkills(teach)
	learn = model.NormalizeSkills(learn)
	if len(teach) == 0 && len(learn) == 0 {
		return Result{}, model.ErrNoSkills
	}
	if err := model.ValidateSkills(teach); err != nil {
		return Result{}, fmt.Errorf("teach skills: %w", err)
	}
	if err := model.ValidateSkills(learn); err != nil {
		return Result{}, fmt.Errorf("learn skills: %w", err)
	}

	now := s.now()
	st := s.Store.NonTx()
	if err := st.PersistPreferences(ctx, userID, teach, learn, now); err != nil {
		return Result{}, fmt.Errorf("match: persist preferences: %w", err)
	}
	pool, err := st.FetchCandidatePool(ctx, userID, now.Add(-s.window()))
	if err != nil {
		return Result{}, fmt.Errorf("match: fetch pool: %w", err)
	}

	res := Score(Request{UserID: userID, Teach: teach, Learn: learn, Now: now, Window: s.window()}, pool)
	if s.Metrics != nil {
		s.Metrics.MatchRequests.Add(1)
		s.Metrics.PerfectCandidates.Add(int64(len(res.Perfect)))
		s.Metrics.PartialCandidates.Add(int64(len(res.Partial)))
	}
	slog.Debug("matches scored", "user", userID, "pool", len(pool),
		"perfect", len(res.Perfect), "partial", len(res.Partial))
	return res, nil
}

// Clear removes the user's preferences so they stop being discoverable.
func (s *Service) Clear(ctx context.Context, userID string) error {
	if err := s.Store.NonTx().ClearPreferences(ctx, userID); err != nil {
		return fmt.Errorf("match: clear preferences: %w", err)
	}
	return nil
}
