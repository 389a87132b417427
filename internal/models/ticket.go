package models

import (
	"pairchat/backend/internal/apperr"
	"strings"
	"time"
)

// Gender is a user's own gender or, in Filters, the gender they want to meet.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	// GenderOther covers every own gender besides male and female. Only an
	// "any" preference accepts it.
	GenderOther Gender = "other"
	// GenderAny is only meaningful as a preference.
	GenderAny Gender = "any"
)

// Normalize folds the legacy spellings of "no preference" into GenderAny.
func (g Gender) Normalize() Gender {
	switch strings.ToLower(strings.TrimSpace(string(g))) {
	case "", "any", "all":
		return GenderAny
	case "male":
		return GenderMale
	case "female":
		return GenderFemale
	case "other":
		return GenderOther
	default:
		return g
	}
}

// Accepts reports whether a preference g is satisfied by someone of gender other.
func (g Gender) Accepts(other Gender) bool {
	pref := g.Normalize()
	return pref == GenderAny || pref == other
}

// Binary reports whether g is male or female, the genders a preference can name.
func (g Gender) Binary() bool {
	return g == GenderMale || g == GenderFemale
}

func (g Gender) validPreference() bool {
	return g == GenderAny || g.Binary()
}

// CallKind is the conversation medium a ticket or session is for.
type CallKind string

const (
	KindText  CallKind = "text"
	KindVoice CallKind = "voice"
	KindVideo CallKind = "video"
)

// AllKinds lists every supported kind; queue partitions are derived from it.
var AllKinds = []CallKind{KindText, KindVoice, KindVideo}

func (k CallKind) Valid() bool {
	switch k {
	case KindText, KindVoice, KindVideo:
		return true
	}
	return false
}

// NeedsSignaling is true for kinds that establish a peer call.
func (k CallKind) NeedsSignaling() bool {
	return k == KindVoice || k == KindVideo
}

// Filters are the match preferences a user attaches to a ticket. The session
// keeps an immutable copy of each participant's filters.
type Filters struct {
	PreferredGender Gender `json:"preferred_gender"`
	// SameAge is an exact age match, not a range.
	SameAge      bool `json:"same_age"`
	SameCity     bool `json:"same_city"`
	SameProvince bool `json:"same_province"`
}

// WaitingTicket is a user's pending request to be matched. It only ever lives
// in the queue store.
type WaitingTicket struct {
	UserID    string   `json:"user_id"`
	Kind      CallKind `json:"kind"`
	Gender    Gender   `json:"gender"`
	Age       int      `json:"age,omitempty"`
	City      string   `json:"city,omitempty"`
	Province  string   `json:"province,omitempty"`
	Filters   Filters  `json:"filters"`
	IsPremium bool     `json:"is_premium"`
	// Language selects the notification locale; empty means the server default.
	Language   string    `json:"language,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Normalize validates the ticket in place and fills defaults. It returns an
// apperr.ErrValidation error for malformed kinds or genders.
func (t *WaitingTicket) Normalize(now time.Time) error {
	t.UserID = strings.TrimSpace(t.UserID)
	if t.UserID == "" {
		return apperr.Validation("ticket has no user id")
	}
	t.Kind = CallKind(strings.ToLower(string(t.Kind)))
	if !t.Kind.Valid() {
		return apperr.Validation("unknown call kind %q", t.Kind)
	}
	if t.Gender = t.Gender.Normalize(); !t.Gender.Binary() {
		t.Gender = GenderOther
	}
	t.Filters.PreferredGender = t.Filters.PreferredGender.Normalize()
	if !t.Filters.PreferredGender.validPreference() {
		return apperr.Validation("unknown preferred gender %q", t.Filters.PreferredGender)
	}
	if t.Age < 0 {
		return apperr.Validation("negative age %d", t.Age)
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now.UTC()
	}
	return nil
}

// acceptsPartner checks t's own filters against candidate c.
func (t WaitingTicket) acceptsPartner(c WaitingTicket) bool {
	if !t.Filters.PreferredGender.Accepts(c.Gender) {
		return false
	}
	if t.Filters.SameAge && (t.Age == 0 || t.Age != c.Age) {
		return false
	}
	if t.Filters.SameCity && (t.City == "" || !strings.EqualFold(t.City, c.City)) {
		return false
	}
	if t.Filters.SameProvince && (t.Province == "" || !strings.EqualFold(t.Province, c.Province)) {
		return false
	}
	return true
}

// Compatible reports mutual compatibility: same kind, different users, and
// each side's filters accept the other side.
func Compatible(a, b WaitingTicket) bool {
	if a.UserID == b.UserID || a.Kind != b.Kind {
		return false
	}
	return a.acceptsPartner(b) && b.acceptsPartner(a)
}
