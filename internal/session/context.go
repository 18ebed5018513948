// Package session carries the identity an operation runs under as an explicit
// value instead of process-wide state.
package session

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
)

const (
	HeaderBabyID      = "X-Baby-ID"
	HeaderHouseholdID = "X-Household-ID"
	headerAuth        = "Authorization"
	bearerPrefix      = "bearer "
)

var (
	// ErrMissingBabyID indicates a request without an active baby profile.
	ErrMissingBabyID = errors.New("session: baby id required")
	// ErrNotServerLinked indicates a profile that only exists on the device.
	ErrNotServerLinked = errors.New("session: profile is not server-linked")
)

// Context identifies the active profile and the credentials used for remote
// calls.
type Context struct {
	BabyID      care.BabyID `json:"babyId"`
	HouseholdID string      `json:"householdId,omitempty"`
	BearerToken string      `json:"-"`
}

// New validates the baby id and returns a Context.
func New(rawBabyID, householdID, bearerToken string) (Context, error) {
	babyID, err := care.NewBabyID(rawBabyID)
	if err != nil {
		return Context{}, errors.Join(ErrMissingBabyID, err)
	}
	return Context{
		BabyID:      babyID,
		HouseholdID: strings.TrimSpace(householdID),
		BearerToken: strings.TrimSpace(bearerToken),
	}, nil
}

// FromRequest reads the session headers of a binding request.
func FromRequest(r *http.Request) (Context, error) {
	if r == nil {
		return Context{}, ErrMissingBabyID
	}
	return New(r.Header.Get(HeaderBabyID), r.Header.Get(HeaderHouseholdID), bearerToken(r.Header.Get(headerAuth)))
}

// ServerLinked reports whether the profile has a durable remote identity and
// credentials to sync with.
func (c Context) ServerLinked() bool {
	id := c.BabyID.String()
	if strings.TrimSpace(id) == "" || care.IsPlaceholderID(id) {
		return false
	}
	return c.BearerToken != ""
}

func bearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if len(trimmed) < len(bearerPrefix) || !strings.EqualFold(trimmed[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(trimmed[len(bearerPrefix):])
}
