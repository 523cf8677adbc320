package session

// State is the connection state of a Session.
type State int32

const (
	StateUnconnected State = iota
	StateSocketConnecting
	StateHandshaking
	StateListingAuthMethods
	StateAuthenticating
	StateReady
	StateDisconnectingChannels
	StateDisconnectingSession
	StateFreeingSession
	StateError
)

var stateNames = [...]string{
	StateUnconnected:           "unconnected",
	StateSocketConnecting:      "socket-connecting",
	StateHandshaking:           "handshaking",
	StateListingAuthMethods:    "listing-auth-methods",
	StateAuthenticating:        "authenticating",
	StateReady:                 "ready",
	StateDisconnectingChannels: "disconnecting-channels",
	StateDisconnectingSession:  "disconnecting-session",
	StateFreeingSession:        "freeing-session",
	StateError:                 "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// connecting reports whether a connect attempt is in flight.
func (s State) connecting() bool {
	return s >= StateSocketConnecting && s <= StateAuthenticating
}

// tearingDown reports whether a disconnect is in flight.
func (s State) tearingDown() bool {
	return s >= StateDisconnectingChannels && s <= StateFreeingSession
}

// ChannelState is the lifecycle state of a channel.
type ChannelState int32

const (
	ChannelOpening ChannelState = iota
	ChannelExec
	ChannelReady
	ChannelClose
	ChannelWaitClose
	ChannelFreeing
	ChannelFree
	ChannelError
)

var channelStateNames = [...]string{
	ChannelOpening:   "opening",
	ChannelExec:      "exec",
	ChannelReady:     "ready",
	ChannelClose:     "close",
	ChannelWaitClose: "wait-close",
	ChannelFreeing:   "freeing",
	ChannelFree:      "free",
	ChannelError:     "error",
}

func (s ChannelState) String() string {
	if s < 0 || int(s) >= len(channelStateNames) {
		return "unknown"
	}
	return channelStateNames[s]
}

// Terminal reports whether no further work happens in s.
func (s ChannelState) Terminal() bool {
	return s == ChannelFree || s == ChannelError
}
