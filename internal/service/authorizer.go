package service

import (
	"fmt"

	"github.com/noah-isme/edutier-api/internal/models"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func allow() Decision { return Decision{Allowed: true, Reason: "allowed"} }

func deny(format string, args ...interface{}) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Authorizer decides whether a caller may perform an action. It holds no state.
type Authorizer struct{}

// NewAuthorizer constructs an authorizer.
func NewAuthorizer() *Authorizer {
	return &Authorizer{}
}

// Authorize checks rank and institution scope. Platform-track callers bypass scope.
func (a *Authorizer) Authorize(callerRole models.Role, callerInstitutionID string, action Action) (Decision, error) {
	rank, err := models.RankOf(callerRole)
	if err != nil {
		return Decision{}, err
	}
	if rank < action.MinRank {
		return deny("%s requires rank %d, %s has rank %d", action.Name, action.MinRank, callerRole, rank), nil
	}
	if action.InstitutionScoped && callerRole.Track() == models.TrackInstitutional {
		if callerInstitutionID == "" || callerInstitutionID != action.TargetInstitutionID {
			return deny("%s is limited to the caller's own institution", action.Name), nil
		}
	}
	return allow(), nil
}

// AuthorizePrincipal additionally applies the limited-access rule for unapproved accounts.
func (a *Authorizer) AuthorizePrincipal(p models.Principal, action Action) (Decision, error) {
	if p == nil {
		return Decision{}, appErrors.ErrUnauthorized
	}
	if p.Limited() && !action.AllowLimited {
		return deny("%s is unavailable until the account is approved", action.Name), nil
	}
	return a.Authorize(p.CallerRole(), p.CallerInstitutionID(), action)
}

// Require turns a deny decision into a FORBIDDEN error carrying the reason.
func (a *Authorizer) Require(p models.Principal, action Action) error {
	decision, err := a.AuthorizePrincipal(p, action)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return appErrors.Clone(appErrors.ErrForbidden, decision.Reason)
	}
	return nil
}
