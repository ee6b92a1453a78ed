package action

import "fmt"

// NotificationKind tags a user notification.
type NotificationKind string

const (
	NotifyText     NotificationKind = "text"
	NotifyImage    NotificationKind = "image"
	NotifyShutdown NotificationKind = "shutdown"
)

// Image is an encoded picture plus enough metadata to post it.
type Image struct {
	Format string `json:"format"` // png, jpeg
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Source string `json:"source,omitempty"`
	Data   []byte `json:"data"`
}

// Notification is the user-facing record forwarded to the control surface.
type Notification struct {
	Kind  NotificationKind `json:"kind"`
	Text  string           `json:"text,omitempty"`
	Image *Image           `json:"image,omitempty"`
}

// Text builds a text notification.
func Text(format string, args ...any) Notification {
	return Notification{Kind: NotifyText, Text: fmt.Sprintf(format, args...)}
}

// Shutdown builds the shutdown notification.
func Shutdown() Notification {
	return Notification{Kind: NotifyShutdown, Text: "shutting down"}
}

// Picture builds an image notification with an optional caption.
func Picture(img Image, caption string) Notification {
	return Notification{Kind: NotifyImage, Text: caption, Image: &img}
}

// Validate checks that the payload matches the kind.
func (n Notification) Validate() error {
	switch n.Kind {
	case NotifyText:
		if n.Text == "" {
			return fmt.Errorf("text notification is empty")
		}
	case NotifyImage:
		if n.Image == nil || len(n.Image.Data) == 0 {
			return fmt.Errorf("image notification has no data")
		}
	case NotifyShutdown:
	default:
		return fmt.Errorf("unknown notification kind %q", n.Kind)
	}
	return nil
}
