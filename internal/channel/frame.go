package channel

import (
	"fmt"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/faults"
)

// Kind tags the payload of a Frame.
type Kind string

const (
	KindRequest   Kind = "request"
	KindUpdate    Kind = "update"
	KindClose     Kind = "close"
	KindControl   Kind = "control"
	KindException Kind = "exception"
	KindText      Kind = "text"
	KindNotify    Kind = "notify"
)

// Control tokens carried by KindControl frames.
const (
	ControlShutdown = "shutdown"
)

// Exception reports a fatal error from the peer.
type Exception struct {
	Origin  string `json:"origin"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Exception) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Origin, e.Message, e.Kind)
}

// Frame is one self-describing value on the wire.
type Frame struct {
	Kind         Kind                    `json:"kind"`
	Request      *action.Request         `json:"request,omitempty"`
	Update       *action.AttributeUpdate `json:"update,omitempty"`
	Control      string                  `json:"control,omitempty"`
	Exception    *Exception              `json:"exception,omitempty"`
	Text         string                  `json:"text,omitempty"`
	Notification *action.Notification    `json:"notification,omitempty"`
}

// IsClose reports whether f is the close sentinel.
func (f Frame) IsClose() bool { return f.Kind == KindClose }

func RequestFrame(r action.Request) Frame { return Frame{Kind: KindRequest, Request: &r} }

func UpdateFrame(u action.AttributeUpdate) Frame { return Frame{Kind: KindUpdate, Update: &u} }

func CloseFrame() Frame { return Frame{Kind: KindClose} }

func ShutdownFrame() Frame { return Frame{Kind: KindControl, Control: ControlShutdown} }

func TextFrame(s string) Frame { return Frame{Kind: KindText, Text: s} }

func NotifyFrame(n action.Notification) Frame { return Frame{Kind: KindNotify, Notification: &n} }

// ExceptionFrame reports err as originating from origin.
func ExceptionFrame(origin string, err error) Frame {
	return Frame{Kind: KindException, Exception: &Exception{
		Origin:  origin,
		Kind:    faults.Classify(err).String(),
		Message: err.Error(),
	}}
}

// check enforces the payload/kind pairing that the schema cannot express
// for locally built frames.
func (f Frame) check() error {
	switch f.Kind {
	case KindRequest:
		if f.Request == nil {
			return fmt.Errorf("request frame without request")
		}
	case KindUpdate:
		if f.Update == nil {
			return fmt.Errorf("update frame without update")
		}
	case KindControl:
		if f.Control == "" {
			return fmt.Errorf("control frame without token")
		}
	case KindException:
		if f.Exception == nil {
			return fmt.Errorf("exception frame without exception")
		}
	case KindNotify:
		if f.Notification == nil {
			return fmt.Errorf("notify frame without notification")
		}
	case KindClose, KindText:
	default:
		return fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	return nil
}
