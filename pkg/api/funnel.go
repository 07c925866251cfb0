package api

import "time"

// FunnelStatus represents the operator-controlled lifecycle of a funnel.
type FunnelStatus string

const (
	FunnelDraft  FunnelStatus = "draft"
	FunnelActive FunnelStatus = "active"
	FunnelPaused FunnelStatus = "paused"
)

// TriggerKind identifies the event that enrolls subscribers into a funnel.
type TriggerKind string

const (
	TriggerListSignup TriggerKind = "list_signup"
	TriggerFormSubmit TriggerKind = "form_submit"
	TriggerTagAdded   TriggerKind = "tag_added"
)

// Trigger describes what enrolls a subscriber. TargetID is the list, form
// or tag the detector watches.
type Trigger struct {
	Kind     TriggerKind `json:"kind" yaml:"kind"`
	TargetID string      `json:"target_id" yaml:"target_id"`
}

// Funnel is a marketing-automation graph owned by one account.
type Funnel struct {
	ID        string
	OwnerID   string
	Name      string
	Status    FunnelStatus
	Trigger   Trigger
	Settings  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SettingListID is the settings key consulted for the funnel's list when the
// trigger is not a list signup.
const SettingListID = "list_id"

// ListID returns the list the funnel is attached to: the trigger list for
// list-signup funnels, otherwise the "list_id" setting (possibly empty).
func (f *Funnel) ListID() string {
	if f.Trigger.Kind == TriggerListSignup && f.Trigger.TargetID != "" {
		return f.Trigger.TargetID
	}
	return f.Settings[SettingListID]
}

// IsActive reports whether new work may be picked up for this funnel.
func (f *Funnel) IsActive() bool {
	return f != nil && f.Status == FunnelActive
}
