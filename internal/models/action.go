package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionKind discriminates the Action union.
type ActionKind string

const (
	ActionNone            ActionKind = "none"
	ActionView            ActionKind = "view"
	ActionStartInspection ActionKind = "start_inspection"
)

// View targets accepted by view actions.
const (
	ViewPetroleum = "petroleum"
	ViewGeneral   = "general"
	ViewAcid      = "acid"
	ViewSettings  = "settings"
	ViewUsers     = "users"
	ViewSupport   = "support"
)

var viewTargets = map[string]bool{
	ViewPetroleum: true,
	ViewGeneral:   true,
	ViewAcid:      true,
	ViewSettings:  true,
	ViewUsers:     true,
	ViewSupport:   true,
}

// StartInspection carries the fields of an inspection request link.
type StartInspection struct {
	Module    Module `json:"module"`
	Type      string `json:"type"`
	Truck     string `json:"truck"`
	Trailer   string `json:"trailer"`
	Requester string `json:"requester"`
	Reason    string `json:"reason"`
	RequestID string `json:"requestId,omitempty"`
}

// Action is the follow-up attached to a notification. Exactly one of the
// payload fields is set, chosen by Kind.
type Action struct {
	Kind  ActionKind       `json:"kind"`
	View  string           `json:"view,omitempty"`
	Start *StartInspection `json:"start,omitempty"`
}

// NoAction is the zero follow-up.
var NoAction = Action{Kind: ActionNone}

// ViewAction returns an action that opens the given view.
func ViewAction(target string) Action {
	return Action{Kind: ActionView, View: target}
}

const startInspectionPrefix = "request:start_inspection"

// ParseActionLink decodes the text encoding stored in the ActionLink column.
// Empty links decode to NoAction without error. Unrecognised links decode to
// NoAction together with an error describing the problem.
func ParseActionLink(link string) (Action, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return NoAction, nil
	}

	if strings.HasPrefix(link, "view:") {
		target := strings.ToLower(strings.TrimPrefix(link, "view:"))
		if !viewTargets[target] {
			return NoAction, fmt.Errorf("unknown view target %q", target)
		}
		return ViewAction(target), nil
	}

	if strings.HasPrefix(link, startInspectionPrefix) {
		parts := strings.Split(link, "|")
		if parts[0] != startInspectionPrefix || len(parts) < 6 {
			return NoAction, fmt.Errorf("malformed inspection request link %q", link)
		}
		start := &StartInspection{
			Module:    ResolveModule(parts[1]),
			Type:      parts[1],
			Truck:     parts[2],
			Trailer:   parts[3],
			Requester: parts[4],
			Reason:    parts[5],
		}
		if len(parts) > 6 {
			start.RequestID = parts[6]
		}
		return Action{Kind: ActionStartInspection, Start: start}, nil
	}

	return NoAction, fmt.Errorf("unrecognised action link %q", link)
}

// Link renders the action back into its column encoding.
func (a Action) Link() string {
	switch a.Kind {
	case ActionView:
		return "view:" + a.View
	case ActionStartInspection:
		if a.Start == nil {
			return ""
		}
		return strings.Join([]string{
			startInspectionPrefix,
			a.Start.Type,
			a.Start.Truck,
			a.Start.Trailer,
			a.Start.Requester,
			a.Start.Reason,
			a.Start.RequestID,
		}, "|")
	default:
		return ""
	}
}

// UnmarshalJSON accepts both the structured form and a bare link string.
func (a *Action) UnmarshalJSON(data []byte) error {
	var link string
	if err := json.Unmarshal(data, &link); err == nil {
		parsed, _ := ParseActionLink(link)
		*a = parsed
		return nil
	}
	type plain Action
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Action(p)
	if a.Kind == "" {
		a.Kind = ActionNone
	}
	return nil
}
