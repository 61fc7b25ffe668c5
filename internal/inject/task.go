package inject

import (
	"log/slog"
	"strings"

	"github.com/sunbk201/tunnelgate/internal/config"
)

type Delivery int

const (
	// DeliveryEvaluate fetches the script through the tunnel and runs its
	// text as a function body in the page's global scope.
	DeliveryEvaluate Delivery = iota
	// DeliveryScriptTag appends a script element whose src is the tunnelled
	// address.
	DeliveryScriptTag
)

func (d Delivery) String() string {
	if d == DeliveryScriptTag {
		return "script-tag"
	}
	return "evaluate"
}

type Task struct {
	Name            string
	TargetURL       string
	BeaconURL       string
	Delivery        Delivery
	RequiresGesture bool
	// Feature names the toggle that must be on; empty means always on.
	Feature string
	// Mount is the CSS selector the beacon probe is attached under; empty
	// sends the beacon without the page.
	Mount     string
	DedupeKey string
}

// Key is the session storage key marking the task complete.
func (t Task) Key() string {
	if t.DedupeKey != "" {
		return t.DedupeKey
	}
	return "ads:" + t.Name + ":loaded"
}

func (t Task) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", t.Name),
		slog.String("target", t.TargetURL),
		slog.String("delivery", t.Delivery.String()),
		slog.Bool("gesture", t.RequiresGesture),
	)
}

func TaskFromConfig(c config.Task) Task {
	t := Task{
		Name:            c.Name,
		TargetURL:       c.URL,
		BeaconURL:       c.Beacon,
		RequiresGesture: c.Gesture,
		Feature:         strings.ToLower(c.Feature),
		Mount:           c.Mount,
	}
	if c.Delivery == config.DeliveryScriptTag {
		t.Delivery = DeliveryScriptTag
	}
	return t
}

func TasksFromConfig(cs []config.Task) []Task {
	tasks := make([]Task, 0, len(cs))
	for _, c := range cs {
		tasks = append(tasks, TaskFromConfig(c))
	}
	return tasks
}

type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeNoConsent
	OutcomeDisabled
	OutcomeAlreadyDone
	OutcomeBeaconFailed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeNoConsent:
		return "no-consent"
	case OutcomeDisabled:
		return "disabled"
	case OutcomeAlreadyDone:
		return "already-done"
	case OutcomeBeaconFailed:
		return "beacon-failed"
	default:
		return "failed"
	}
}
