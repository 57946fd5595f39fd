// Package cron runs the server-side deadline sweep: it claims sessions whose
// deadline has passed and notifies their emergency contacts by SMS.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"example.com/safewalk/internal/domain"
	"example.com/safewalk/internal/sms"
)

// JobName identifies the sweep in the heartbeat table.
const JobName = "check-deadlines"

// Store is the persistence surface the sweep needs.
type Store interface {
	ClaimOverdue(ctx context.Context, limit int) ([]domain.Session, error)
	AlertAlreadySent(ctx context.Context, sessionID string) (bool, error)
	MarkAlerted(ctx context.Context, sessionID string, at time.Time) (bool, error)
	Profile(ctx context.Context, userID string) (*domain.Profile, error)
	ConsumeQuota(ctx context.Context, userID string, quota domain.QuotaType) (int, error)
	LogSMS(ctx context.Context, rec domain.SMSRecord) error
	RecordHeartbeat(ctx context.Context, hb domain.SweepHeartbeat) error
}

// Stats summarizes one sweep pass.
type Stats struct {
	Processed int
	Sent      int
	Failed    int
	Skipped   int
}

// Sweeper periodically claims overdue sessions and fans alert SMS out to
// their contacts.
type Sweeper struct {
	store            Store
	sender           sms.Sender
	interval         time.Duration
	batchSize        int
	now              func() time.Time
	shutdownComplete chan struct{}
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store Store, sender sms.Sender, interval time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Sweeper{
		store:            store,
		sender:           sender,
		interval:         interval,
		batchSize:        batchSize,
		now:              time.Now,
		shutdownComplete: make(chan struct{}),
	}
}

// Start launches the sweep loop. It should be called in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.shutdownComplete)
	}()

	for {
		stats, err := s.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("deadline sweep error: %v", err)
		}
		if stats.Processed > 0 {
			log.Printf("deadline sweep: processed=%d sent=%d failed=%d skipped=%d",
				stats.Processed, stats.Sent, stats.Failed, stats.Skipped)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until the sweep loop stops.
func (s *Sweeper) Wait() {
	<-s.shutdownComplete
}

// RunOnce performs a single sweep pass. A failure on one session never
// blocks the others, and the heartbeat row is recorded regardless of
// outcome.
func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	start := s.now()
	var stats Stats

	sessions, err := s.store.ClaimOverdue(ctx, s.batchSize)
	if err != nil {
		s.heartbeat(ctx, start, stats, err)
		return stats, err
	}

	for _, session := range sessions {
		stats.Processed++
		if alertErr := s.alert(ctx, session); alertErr != nil {
			if errors.Is(alertErr, errAlreadyAlerted) {
				stats.Skipped++
				continue
			}
			stats.Failed++
			err = errors.Join(err, fmt.Errorf("session %s: %w", session.ID, alertErr))
		} else {
			stats.Sent++
		}
	}

	sweepDuration.Observe(s.now().Sub(start).Seconds())
	sessionsProcessed.Add(float64(stats.Processed))
	alertsSent.Add(float64(stats.Sent))
	alertsFailed.Add(float64(stats.Failed))

	s.heartbeat(ctx, start, stats, err)
	return stats, err
}

var errAlreadyAlerted = errors.New("alert already sent")

// alert notifies every contact of one overdue session and flips the
// idempotence gate once at least one message was accepted.
func (s *Sweeper) alert(ctx context.Context, session domain.Session) error {
	if len(session.Contacts) == 0 {
		return errors.New("no emergency contacts")
	}

	// The claim is only exclusive until its transaction commits. Another
	// sweep can re-claim this row before MarkAlerted lands, so re-check
	// the delivery record before dispatching anything.
	sent, err := s.store.AlertAlreadySent(ctx, session.ID)
	if err != nil {
		return err
	}
	if sent {
		return errAlreadyAlerted
	}

	profile, err := s.store.Profile(ctx, session.UserID)
	if err != nil {
		s.logFailure(ctx, session, "", err.Error())
		return err
	}
	if profile.AlertsRemaining <= 0 {
		s.logFailure(ctx, session, "", "no_credits")
		return domain.ErrQuotaExhausted
	}

	params := sms.TemplateParams{
		FirstName:  session.FirstName,
		Deadline:   session.Deadline,
		UserPhone:  profile.Phone,
		SharePhone: profile.SharePhoneInAlerts,
		Now:        s.now(),
	}
	if session.ShareLocation && session.LastLocation != nil {
		params.Latitude = &session.LastLocation.Latitude
		params.Longitude = &session.LastLocation.Longitude
	}
	body := sms.BuildLateAlert(params)

	var delivered bool
	var sendErrs error
	for _, contact := range session.Contacts {
		sid, sendErr := s.sender.Send(ctx, contact.Phone, body)
		rec := domain.SMSRecord{
			SessionID:    session.ID,
			UserID:       session.UserID,
			ContactName:  contact.Name,
			ContactPhone: contact.Phone,
			Type:         domain.SMSTypeAlert,
			Body:         body,
		}
		if sendErr != nil {
			rec.Status = domain.SMSStatusFailed
			rec.ErrorMessage = sendErr.Error()
			sendErrs = errors.Join(sendErrs, sendErr)
		} else {
			rec.Status = domain.SMSStatusSent
			rec.MessageSID = sid
			delivered = true
		}
		if logErr := s.store.LogSMS(ctx, rec); logErr != nil {
			log.Printf("sms log failed for session %s: %v", session.ID, logErr)
		}
	}

	if !delivered {
		return sendErrs
	}

	if _, err := s.store.ConsumeQuota(ctx, session.UserID, domain.QuotaAlert); err != nil && !errors.Is(err, domain.ErrQuotaExhausted) {
		log.Printf("quota decrement failed for user %s: %v", session.UserID, err)
	}

	won, err := s.store.MarkAlerted(ctx, session.ID, s.now())
	if err != nil {
		return err
	}
	if !won {
		return errAlreadyAlerted
	}
	return nil
}

func (s *Sweeper) logFailure(ctx context.Context, session domain.Session, sid, reason string) {
	phone := ""
	if len(session.Contacts) > 0 {
		phone = session.Contacts[0].Phone
	}
	rec := domain.SMSRecord{
		SessionID:    session.ID,
		UserID:       session.UserID,
		ContactPhone: phone,
		Type:         domain.SMSTypeAlert,
		Status:       domain.SMSStatusFailed,
		MessageSID:   sid,
		ErrorMessage: reason,
	}
	if err := s.store.LogSMS(ctx, rec); err != nil {
		log.Printf("sms log failed for session %s: %v", session.ID, err)
	}
}

func (s *Sweeper) heartbeat(ctx context.Context, ranAt time.Time, stats Stats, runErr error) {
	hb := domain.SweepHeartbeat{
		FunctionName: JobName,
		LastRunAt:    ranAt,
		Status:       "success",
		Processed:    stats.Processed,
		Sent:         stats.Sent,
		Failed:       stats.Failed,
	}
	if runErr != nil {
		hb.Status = "failed"
		hb.ErrorMessage = runErr.Error()
	}
	if err := s.store.RecordHeartbeat(ctx, hb); err != nil {
		log.Printf("heartbeat record failed: %v", err)
		return
	}
	lastSweepGauge.Set(float64(ranAt.Unix()))
}
