package daemon

import "context"

// Origin identifies where a message came from and where replies go.
type Origin struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
}

// IncomingMessage is the neutral shape every platform adapter translates to.
type IncomingMessage struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
}

// MessageHandler receives inbound messages from a listener.
type MessageHandler func(msg IncomingMessage)

// Listener is the ingress/egress adapter for one platform. SDK bindings
// (Matrix, Discord) live outside the daemon; they implement this interface.
type Listener interface {
	// Name is the platform label ("matrix", "discord", "http", ...). The
	// listener whose name matches a message's platform is its reply path.
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	OnMessage(h MessageHandler)
	Send(origin Origin, text string) error
}

// TypingSender is implemented by listeners that can show a typing indicator.
type TypingSender interface {
	SendTyping(origin Origin) error
}
