package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"cashledger/backend/internal/cashsession"
	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/store"
)

func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (domain.CashSession, error) {
	session, err := cashsession.Open(strings.TrimSpace(req.DrawerID), actorID(ctx), req.OpeningFloat, strings.TrimSpace(req.Notes), s.now())
	if err != nil {
		return domain.CashSession{}, err
	}

	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockOpenSession(ctx, session.DrawerID)
		switch {
		case err == nil:
			return domain.ErrDrawerAlreadyOpen
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		return tx.CreateSession(ctx, session)
	})
	if err != nil {
		return domain.CashSession{}, err
	}

	s.emit(ctx, "session.opened", "cash_session", session.ID, session.DrawerID, map[string]any{
		"opening_float": session.OpeningFloat,
	})
	return session, nil
}

// FindOpenFor returns the open session of a drawer, the handle every
// settlement call takes.
func (s *Service) FindOpenFor(ctx context.Context, drawerID string) (domain.CashSession, error) {
	session, err := s.repo.FindOpenSession(ctx, strings.TrimSpace(drawerID))
	if err != nil {
		return domain.CashSession{}, err
	}
	return *session, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (domain.CashSession, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return domain.CashSession{}, err
	}
	return *session, nil
}

func (s *Service) BeginReconciliation(ctx context.Context, sessionID string) (domain.CashSession, error) {
	var out domain.CashSession
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		session, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := cashsession.BeginReconciliation(session, s.now()); err != nil {
			return err
		}
		out = *session
		return tx.UpdateSession(ctx, *session)
	})
	if err != nil {
		return domain.CashSession{}, err
	}

	s.emit(ctx, "session.reconciling", "cash_session", out.ID, out.DrawerID, map[string]any{
		"expected": out.Expected,
	})
	return out, nil
}

func (s *Service) CloseSession(ctx context.Context, sessionID string, req domain.SessionCloseRequest) (domain.CashSession, error) {
	var out domain.CashSession
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		session, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := cashsession.CloseWithCount(session, req.Counted, s.policy, s.now()); err != nil {
			return err
		}
		if notes := strings.TrimSpace(req.Notes); notes != "" {
			session.Notes = notes
		}
		out = *session
		return tx.UpdateSession(ctx, *session)
	})
	if err != nil {
		return domain.CashSession{}, err
	}

	if out.Deviation == domain.DeviationCritical {
		s.logger.Warn("critical cash deviation at close",
			zap.String("session_id", out.ID),
			zap.String("drawer_id", out.DrawerID),
			zap.Int64("difference", out.OverallDiff),
			zap.String("deviation_pct", out.DeviationPct),
		)
	}
	s.emit(ctx, "session.closed", "cash_session", out.ID, out.DrawerID, map[string]any{
		"counted":       out.Counted,
		"difference":    out.OverallDiff,
		"deviation_pct": out.DeviationPct,
		"deviation":     out.Deviation,
	})
	return out, nil
}

// SessionSummary is the reconciliation report. Summaries of closed sessions
// are cached since nothing can change them anymore.
func (s *Service) SessionSummary(ctx context.Context, sessionID string) (domain.SessionSummary, error) {
	if cached, ok, err := s.summaries.Get(ctx, sessionID); err != nil {
		s.logger.Warn("summary cache read failed", zap.String("session_id", sessionID), zap.Error(err))
	} else if ok {
		return *cached, nil
	}

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	tenders, err := s.repo.ListSessionTenders(ctx, sessionID)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	movements, err := s.repo.ListCashMovements(ctx, sessionID)
	if err != nil {
		return domain.SessionSummary{}, err
	}

	summary := cashsession.Summary(*session, tenders, movements)
	if session.State == domain.SessionClosed {
		if err := s.summaries.Set(ctx, sessionID, &summary, s.summaryTTL); err != nil {
			s.logger.Warn("summary cache write failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return summary, nil
}
