package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/netsendo/funnel/pkg/api"
)

var (
	// ErrNoCollaborator is reported when a condition or action needs a
	// collaborator the engine was built without.
	ErrNoCollaborator = errors.New("collaborator not configured")

	// ErrUnknownCondition is reported for unrecognized condition kinds.
	ErrUnknownCondition = errors.New("unknown condition kind")
)

// evaluate reports whether a condition holds for the enrollment's
// subscriber. A lookup failure evaluates to false and is returned alongside
// so the caller can log it.
func (e *engineImpl) evaluate(ctx context.Context, enr *api.Enrollment, cfg api.ConditionConfig) (bool, error) {
	sub := enr.SubscriberID

	switch cfg.Kind {
	case api.ConditionTagPresent:
		if e.collab.Directory == nil {
			return false, fmt.Errorf("tag_present: directory: %w", ErrNoCollaborator)
		}
		return e.collab.Directory.HasTag(ctx, sub, cfg.Tag)

	case api.ConditionField:
		if e.collab.Directory == nil {
			return false, fmt.Errorf("field: directory: %w", ErrNoCollaborator)
		}
		value, ok, err := e.collab.Directory.GetField(ctx, sub, cfg.Field)
		if err != nil {
			return false, err
		}
		return compareField(value, ok, cfg.Operator, cfg.Value)

	case api.ConditionEmailOpened, api.ConditionEmailClicked:
		if e.collab.Tracker == nil {
			return false, fmt.Errorf("%s: tracker: %w", cfg.Kind, ErrNoCollaborator)
		}
		event := api.TrackOpen
		if cfg.Kind == api.ConditionEmailClicked {
			event = api.TrackClick
		}
		return e.collab.Tracker.HasEvent(ctx, sub, cfg.MessageID, event)

	case api.ConditionTaskCompleted:
		if e.collab.Tasks == nil {
			return false, fmt.Errorf("task_completed: tasks: %w", ErrNoCollaborator)
		}
		return e.collab.Tasks.IsTaskCompleted(ctx, sub, cfg.TaskID)

	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCondition, cfg.Kind)
	}
}

// compareField applies op to a custom field value. Ordering operators
// compare numerically when both sides parse as numbers and fall back to
// string order otherwise.
func compareField(value string, set bool, op api.FieldOperator, want string) (bool, error) {
	switch op {
	case api.OpIsEmpty:
		return !set || strings.TrimSpace(value) == "", nil
	case api.OpIsNotEmpty:
		return set && strings.TrimSpace(value) != "", nil
	}
	if !set {
		return op == api.OpNotEquals || op == api.OpNotContains, nil
	}

	switch op {
	case api.OpEquals, "":
		return value == want, nil
	case api.OpNotEquals:
		return value != want, nil
	case api.OpContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(want)), nil
	case api.OpNotContains:
		return !strings.Contains(strings.ToLower(value), strings.ToLower(want)), nil
	case api.OpGt, api.OpGte, api.OpLt, api.OpLte:
		c := compareOrdered(value, want)
		switch op {
		case api.OpGt:
			return c > 0, nil
		case api.OpGte:
			return c >= 0, nil
		case api.OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	default:
		return false, fmt.Errorf("unknown field operator %q", op)
	}
}

func compareOrdered(a, b string) int {
	x, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	y, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}
