// Package transport defines the message shape and publish interface by which
// observer diffs are fanned out to subscribers, along with an in-process
// Loopback implementation. Durable or networked transports (eg, the
// websocket server) satisfy Publisher.
package transport

// Kind labels the type of change a Message conveys.
type Kind string

const (
	// KindAdded labels rows newly present in a result.
	KindAdded Kind = "added"
	// KindChanged labels rows whose content or order changed.
	KindChanged Kind = "changed"
	// KindRemoved labels rows no longer present in a result.
	KindRemoved Kind = "removed"
)

// Message is one row-level change notification, serialized to JSON on the
// wire as {msg, observer, primary_key, order, item}.
type Message struct {
	Msg        Kind                   `json:"msg"`
	Observer   string                 `json:"observer"`
	PrimaryKey string                 `json:"primary_key"`
	Order      *int                   `json:"order"`
	Item       map[string]interface{} `json:"item"`
}

// Publisher delivers Messages to a subscriber's channel. Publish is
// fire-and-forget from the caller's perspective: implementations may retry
// or drop internally, but failures never feed back into observer state.
type Publisher interface {
	Publish(subscriber string, msg Message) error
}
