package service

import (
	"fmt"
	"sort"

	"github.com/noah-isme/edutier-api/internal/models"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

var requestTransitions = map[models.ApprovalStatus]map[models.Event]models.ApprovalStatus{
	models.ApprovalStatusPending: {
		models.EventReviewStart: models.ApprovalStatusUnderReview,
		models.EventApprove:     models.ApprovalStatusApproved,
		models.EventReject:      models.ApprovalStatusRejected,
	},
	models.ApprovalStatusUnderReview: {
		models.EventApprove: models.ApprovalStatusApproved,
		models.EventReject:  models.ApprovalStatusRejected,
	},
}

var institutionTransitions = map[models.InstitutionStatus]map[models.Event]models.InstitutionStatus{
	models.InstitutionStatusPending: {
		models.EventVerify: models.InstitutionStatusVerified,
		models.EventReject: models.InstitutionStatusRejected,
	},
	models.InstitutionStatusVerified: {
		models.EventSuspend: models.InstitutionStatusSuspended,
	},
	models.InstitutionStatusSuspended: {
		models.EventReactivate: models.InstitutionStatusVerified,
	},
}

// StateMachine validates transitions for approval requests and institutions.
type StateMachine struct {
	allowReopen bool
}

// NewStateMachine builds the machine. allowReopen enables rejected -> pending for institutions.
func NewStateMachine(allowReopen bool) *StateMachine {
	return &StateMachine{allowReopen: allowReopen}
}

// NextRequestStatus returns the status reached from `from` by event.
func (m *StateMachine) NextRequestStatus(from models.ApprovalStatus, event models.Event) (models.ApprovalStatus, error) {
	if to, ok := requestTransitions[from][event]; ok {
		return to, nil
	}
	return "", invalidTransition("request", string(from), event)
}

// NextInstitutionStatus returns the status reached from `from` by event.
func (m *StateMachine) NextInstitutionStatus(from models.InstitutionStatus, event models.Event) (models.InstitutionStatus, error) {
	if m.allowReopen && from == models.InstitutionStatusRejected && event == models.EventReopen {
		return models.InstitutionStatusPending, nil
	}
	if to, ok := institutionTransitions[from][event]; ok {
		return to, nil
	}
	return "", invalidTransition("institution", string(from), event)
}

// RequestEvents lists the events accepted by a request in status from.
func (m *StateMachine) RequestEvents(from models.ApprovalStatus) []models.Event {
	return sortedEvents(requestTransitions[from])
}

// InstitutionEvents lists the events accepted by an institution in status from.
func (m *StateMachine) InstitutionEvents(from models.InstitutionStatus) []models.Event {
	events := sortedEvents(institutionTransitions[from])
	if m.allowReopen && from == models.InstitutionStatusRejected {
		events = append(events, models.EventReopen)
	}
	return events
}

func sortedEvents[T any](table map[models.Event]T) []models.Event {
	events := make([]models.Event, 0, len(table))
	for event := range table {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

func invalidTransition(entity, from string, event models.Event) error {
	return appErrors.Clone(appErrors.ErrInvalidTransition,
		fmt.Sprintf("cannot %s %s in state %s", event, entity, from))
}
