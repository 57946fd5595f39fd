package domain

import "errors"

// QuotaType selects which free-usage counter an operation consumes.
type QuotaType string

const (
	QuotaAlert   QuotaType = "alert"
	QuotaTestSMS QuotaType = "test_sms"
)

// Valid reports whether q names a known quota counter.
func (q QuotaType) Valid() bool {
	return q == QuotaAlert || q == QuotaTestSMS
}

var (
	// ErrProfileNotFound is returned when no profile row exists for a user.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrQuotaExhausted indicates the relevant counter is already zero.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrPhoneNotVerified gates alert-capable operations on OTP verification.
	ErrPhoneNotVerified = errors.New("phone number not verified")
)

// Profile carries the per-user settings and credit counters consulted by
// alert-capable operations. Phone verification itself (OTP flow) happens
// upstream; this service only reads the resulting flag.
type Profile struct {
	UserID             string
	FirstName          string
	Phone              string
	PhoneVerified      bool
	SharePhoneInAlerts bool
	AlertsRemaining    int
	TestSMSRemaining   int
}
