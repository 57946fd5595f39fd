package sms

import (
	"fmt"
	"strings"
	"time"
)

// TemplateParams feeds the message builders. Optional fields degrade the
// message gracefully instead of failing the send.
type TemplateParams struct {
	FirstName  string
	Deadline   time.Time
	Latitude   *float64
	Longitude  *float64
	UserPhone  string
	SharePhone bool
	Now        time.Time // zero means time.Now
}

func (p TemplateParams) clock() time.Time {
	if p.Now.IsZero() {
		return time.Now()
	}
	return p.Now
}

func (p TemplateParams) personRef() (string, bool) {
	name := strings.TrimSpace(p.FirstName)
	if name == "" || name == "undefined" || name == "null" {
		return "la personne", false
	}
	return name, true
}

func (p TemplateParams) sharedPhone() string {
	if !p.SharePhone {
		return ""
	}
	phone := strings.TrimSpace(p.UserPhone)
	if phone == "" || ValidatePhone(phone) != nil {
		return ""
	}
	return NormalizePhone(phone)
}

func (p TemplateParams) mapLink() string {
	if p.Latitude == nil || p.Longitude == nil {
		return ""
	}
	return fmt.Sprintf("https://maps.google.com/?q=%v,%v", *p.Latitude, *p.Longitude)
}

// overdueFor formats how long the deadline has been missed, "2h30" style.
func (p TemplateParams) overdueFor() string {
	if p.Deadline.IsZero() {
		return "quelques heures"
	}
	diff := p.clock().Sub(p.Deadline)
	if diff < 0 {
		return "quelques heures"
	}

	mins := int(diff.Minutes())
	hours := mins / 60
	mins = mins % 60
	switch {
	case hours == 0:
		return fmt.Sprintf("%dmin", mins)
	case mins == 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dh%02d", hours, mins)
	}
}

// BuildLateAlert renders the deadline-exceeded SMS sent to emergency contacts.
func BuildLateAlert(p TemplateParams) string {
	person, _ := p.personRef()

	var b strings.Builder
	fmt.Fprintf(&b, "SafeWalk : pas de confirmation depuis %s. Essayez de contacter %s", p.overdueFor(), person)
	if phone := p.sharedPhone(); phone != "" {
		fmt.Fprintf(&b, " immédiatement au %s.", phone)
	} else {
		b.WriteString(" immédiatement.")
	}
	if link := p.mapLink(); link != "" {
		fmt.Fprintf(&b, " Dernière position : %s", link)
	}
	return b.String()
}

// BuildSOSAlert renders the user-triggered emergency SMS.
func BuildSOSAlert(p TemplateParams) string {
	var b strings.Builder
	if person, named := p.personRef(); named {
		fmt.Fprintf(&b, "SafeWalk SOS : %s a déclenché une alerte urgente. Appelez-le/la maintenant", person)
	} else {
		b.WriteString("SafeWalk SOS : une alerte urgente a été déclenchée. Appelez la personne maintenant")
	}
	if phone := p.sharedPhone(); phone != "" {
		fmt.Fprintf(&b, " au %s.", phone)
	} else {
		b.WriteString(".")
	}
	if link := p.mapLink(); link != "" {
		fmt.Fprintf(&b, " Dernière position : %s", link)
	}
	return b.String()
}

// BuildTestMessage renders the configuration-check SMS.
func BuildTestMessage(p TemplateParams) string {
	if person, named := p.personRef(); named {
		return fmt.Sprintf("SafeWalk test : tout est bien configuré. Vous recevrez un SMS comme celui-ci si %s ne confirme pas son arrivée.", person)
	}
	return "SafeWalk test : tout est bien configuré. Vous recevrez un SMS comme celui-ci si la personne ne confirme pas son arrivée."
}
