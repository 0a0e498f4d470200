package rpc

// Status is the lifecycle state of a Client's socket.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// StatusChange is published on every status transition. Message is set
// for StatusError.
type StatusChange struct {
	Status  Status
	Message string
}

// Observer receives everything a Client publishes. Calls for one Client
// never overlap and arrive in wire order.
type Observer interface {
	OnStatus(StatusChange)
	OnNotification(Notification)
	OnServerRequest(ServerRequest)
	OnDecodeError(DecodeError)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	Status        func(StatusChange)
	Notification  func(Notification)
	ServerRequest func(ServerRequest)
	DecodeError   func(DecodeError)
}

func (o ObserverFuncs) OnStatus(c StatusChange) {
	if o.Status != nil {
		o.Status(c)
	}
}

func (o ObserverFuncs) OnNotification(n Notification) {
	if o.Notification != nil {
		o.Notification(n)
	}
}

func (o ObserverFuncs) OnServerRequest(r ServerRequest) {
	if o.ServerRequest != nil {
		o.ServerRequest(r)
	}
}

func (o ObserverFuncs) OnDecodeError(e DecodeError) {
	if o.DecodeError != nil {
		o.DecodeError(e)
	}
}

var _ Observer = ObserverFuncs{}
