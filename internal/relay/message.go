// Package relay carries scheduling requests from transient contexts to the
// durable coordinator.
//
// The protocol is one-way and unacknowledged: a transient context posts a
// Message and never learns whether it arrived. Its own local scheduler is the
// safety net. Adding acknowledgements would change the failure semantics and
// needs a new protocol revision.
package relay

import (
	"errors"
	"fmt"
	"time"
)

// DefaultChannel is the reserved channel name the coordinator accepts.
const DefaultChannel = "alarmsched.relay"

type Action string

const (
	ActionSetTimeout  Action = "setTimeout"
	ActionSetInterval Action = "setInterval"
	ActionClearAlarm  Action = "clearAlarm"
)

var (
	ErrUnknownAction = errors.New("relay: unknown action")
	ErrClosed        = errors.New("relay: closed")
)

// Message is the wire format. Fields other than Action and TaskName are
// optional and depend on the action.
type Message struct {
	Action       Action `json:"action"`
	TaskName     string `json:"taskName"`
	AlarmName    string `json:"alarmName,omitempty"`
	DelayInMs    int64  `json:"delayInMs,omitempty"`
	IntervalInMs int64  `json:"intervalInMs,omitempty"`
}

func (m Message) Validate() error {
	switch m.Action {
	case ActionSetTimeout, ActionSetInterval, ActionClearAlarm:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
	}
	if m.TaskName == "" && m.AlarmName == "" {
		return errors.New("relay: message names no task")
	}
	return nil
}

func (m Message) Delay() time.Duration    { return time.Duration(m.DelayInMs) * time.Millisecond }
func (m Message) Interval() time.Duration { return time.Duration(m.IntervalInMs) * time.Millisecond }

// Target is the alarm a clearAlarm message refers to.
func (m Message) Target() string {
	if m.AlarmName != "" {
		return m.AlarmName
	}
	return m.TaskName
}

// Sender identifies the context at the other end of a port.
type Sender struct {
	AppID   string `json:"appId"`
	Context string `json:"context,omitempty"`
}
