package domain

import "time"

// SMS message categories recorded in the audit log.
const (
	SMSTypeAlert = "alert"
	SMSTypeSOS   = "sos"
	SMSTypeTest  = "test"
)

// SMS delivery outcomes.
const (
	SMSStatusSent   = "sent"
	SMSStatusFailed = "failed"
)

// SMSRecord is one attempted message, kept for audit and support queries.
type SMSRecord struct {
	SessionID    string
	UserID       string
	ContactName  string
	ContactPhone string
	Type         string
	Status       string
	MessageSID   string
	ErrorMessage string
	Body         string
}

// SweepHeartbeat is one liveness record for a background job, upserted per
// job per day.
type SweepHeartbeat struct {
	FunctionName string
	LastRunAt    time.Time
	Status       string
	Processed    int
	Sent         int
	Failed       int
	ErrorMessage string
}
