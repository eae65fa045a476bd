// Package session manages treatment-session history: one open session at a
// time, data points sampled while it runs, and aggregate readings computed
// when it ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elixirlabs/chamber-gateway/internal/domain"
	"github.com/elixirlabs/chamber-gateway/internal/storage"
)

var (
	// ErrSessionActive is returned when starting a session while one is open.
	ErrSessionActive = errors.New("a session is already active")
	// ErrNoActiveSession is returned when an operation needs an open session.
	ErrNoActiveSession = errors.New("no active session")
)

// StartRequest carries the parameters of a new session.
type StartRequest struct {
	TreatmentMode          string   `json:"treatmentMode,omitempty"`
	CompressionMode        string   `json:"compressionMode,omitempty"`
	OxygenMode             string   `json:"oxygenMode,omitempty"`
	TargetPressureATA      *float64 `json:"targetPressureAta,omitempty"`
	TargetTemperatureC     *float64 `json:"targetTemperatureC,omitempty"`
	PlannedDurationMinutes int      `json:"plannedDurationMinutes,omitempty"`
	PatientID              string   `json:"patientId,omitempty"`
	OperatorNotes          string   `json:"operatorNotes,omitempty"`
}

// Service manages session records in the store.
type Service struct {
	store  storage.Store
	logger *zap.Logger
}

// NewService creates a session Service.
func NewService(store storage.Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.Named("session"),
	}
}

// Start opens a new session. Only one session can be open at a time.
func (s *Service) Start(ctx context.Context, req *StartRequest) (*domain.Session, error) {
	if _, err := s.store.Sessions().Active(ctx); err == nil {
		return nil, ErrSessionActive
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to check active session: %w", err)
	}

	number, err := s.store.Sessions().NextNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate session number: %w", err)
	}

	now := time.Now()
	session := &domain.Session{
		UUID:                   uuid.New(),
		Number:                 number,
		StartTime:              now,
		Status:                 domain.SessionStarted,
		TreatmentMode:          req.TreatmentMode,
		CompressionMode:        req.CompressionMode,
		OxygenMode:             req.OxygenMode,
		TargetPressureATA:      req.TargetPressureATA,
		TargetTemperatureC:     req.TargetTemperatureC,
		PlannedDurationMinutes: req.PlannedDurationMinutes,
		PatientID:              req.PatientID,
		OperatorNotes:          req.OperatorNotes,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.store.Sessions().Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	_ = s.store.Sessions().AppendEvent(ctx, &domain.Event{
		SessionUUID: session.UUID,
		Timestamp:   now,
		Type:        "session_started",
		Data: map[string]interface{}{
			"treatment_mode":  req.TreatmentMode,
			"target_pressure": req.TargetPressureATA,
		},
	})

	s.logger.Info("Session started",
		zap.String("session_uuid", session.UUID.String()),
		zap.Int("number", session.Number),
		zap.String("treatment_mode", session.TreatmentMode),
	)
	return session, nil
}

// End closes the active session, computing aggregate readings from its data
// points. reason becomes the completion reason ("normal" when empty).
func (s *Service) End(ctx context.Context, reason string) (*domain.Session, error) {
	session, err := s.store.Sessions().Active(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, fmt.Errorf("failed to load active session: %w", err)
	}

	now := time.Now()
	session.EndTime = &now
	session.ActualDurationSeconds = int(now.Sub(session.StartTime).Seconds())
	session.Status = domain.SessionCompleted
	if reason == "" {
		reason = "normal"
	}
	session.CompletionReason = reason
	if reason != "normal" {
		session.Status = domain.SessionAborted
	}
	session.UpdatedAt = now

	points, err := s.store.Sessions().ListDataPoints(ctx, session.UUID)
	if err != nil {
		s.logger.Warn("Failed to load data points for aggregates", zap.Error(err))
	} else {
		applyAggregates(session, points)
	}

	if err := s.store.Sessions().Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}

	_ = s.store.Sessions().AppendEvent(ctx, &domain.Event{
		SessionUUID: session.UUID,
		Timestamp:   now,
		Type:        "session_ended",
		Data:        map[string]interface{}{"reason": reason},
	})

	s.logger.Info("Session ended",
		zap.String("session_uuid", session.UUID.String()),
		zap.String("reason", reason),
		zap.Int("duration_seconds", session.ActualDurationSeconds),
	)
	return session, nil
}

// Active returns the open session, ErrNoActiveSession when there is none.
func (s *Service) Active(ctx context.Context) (*domain.Session, error) {
	session, err := s.store.Sessions().Active(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, err
	}
	return session, nil
}

// Get returns a session by UUID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return s.store.Sessions().GetByUUID(ctx, id)
}

// List returns up to limit sessions, most recent first.
func (s *Service) List(ctx context.Context, limit int) ([]*domain.Session, error) {
	return s.store.Sessions().List(ctx, limit)
}

// RecordDataPoint logs one sampled snapshot against the active session.
func (s *Service) RecordDataPoint(ctx context.Context, values map[string]float64) error {
	session, err := s.Active(ctx)
	if err != nil {
		return err
	}
	return s.store.Sessions().AppendDataPoint(ctx, &domain.DataPoint{
		SessionUUID: session.UUID,
		Timestamp:   time.Now(),
		Values:      values,
	})
}

// RecordEvent logs a notable occurrence against the active session.
func (s *Service) RecordEvent(ctx context.Context, eventType string, data map[string]interface{}) error {
	session, err := s.Active(ctx)
	if err != nil {
		return err
	}
	return s.store.Sessions().AppendEvent(ctx, &domain.Event{
		SessionUUID: session.UUID,
		Timestamp:   time.Now(),
		Type:        eventType,
		Data:        data,
	})
}

// Events returns a session's event log in order.
func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]*domain.Event, error) {
	return s.store.Sessions().ListEvents(ctx, id)
}

// DataPoints returns a session's sampled data points.
func (s *Service) DataPoints(ctx context.Context, id uuid.UUID) ([]*domain.DataPoint, error) {
	return s.store.Sessions().ListDataPoints(ctx, id)
}

// applyAggregates fills the session's summary readings from its data
// points, matching value keys by their signal name.
func applyAggregates(session *domain.Session, points []*domain.DataPoint) {
	var (
		minP, maxP       = math.Inf(1), math.Inf(-1)
		sumT, sumO2      float64
		countT, countO2  int
		pressureObserved bool
	)
	for _, dp := range points {
		for key, v := range dp.Values {
			switch {
			case strings.Contains(key, "pressure"):
				pressureObserved = true
				if v < minP {
					minP = v
				}
				if v > maxP {
					maxP = v
				}
			case strings.Contains(key, "temperature"):
				sumT += v
				countT++
			case strings.Contains(key, "o2"):
				sumO2 += v
				countO2++
			}
		}
	}
	if pressureObserved {
		session.MinPressureATA = &minP
		session.MaxPressureATA = &maxP
	}
	if countT > 0 {
		avg := sumT / float64(countT)
		session.AvgTemperatureC = &avg
	}
	if countO2 > 0 {
		avg := sumO2 / float64(countO2)
		session.AvgOxygenPercent = &avg
	}
}
