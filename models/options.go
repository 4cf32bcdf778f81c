package models

// ClientOptions is the options which controls how the server interacts with the client.
// It will be set after the client has connected.
type ClientOptions struct {
	// ClientID is the client id for the client.
	ClientID string
	// Username is the username for the client.
	Username string
	// KeepAlive is the keep alive time in seconds for the client.
	// The server will close the client if no there is no packet has been received for 1.5 times the KeepAlive time.
	KeepAlive uint16
	// CleanSession is the clean session flag of the CONNECT packet.
	CleanSession bool
	// MaxInflight limits the number of QoS 1 publications sent to the client and not acknowledged yet.
	MaxInflight uint16
	// MaximumQoS caps the qos granted to subscriptions of the client.
	MaximumQoS uint8
	// RetainAvailable indicates whether the client is permitted to send retained messages.
	RetainAvailable bool
	// WildcardSubAvailable indicates whether the client is permitted to subscribe Wildcard Subscriptions.
	WildcardSubAvailable bool
}
