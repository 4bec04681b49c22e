package broker

import "errors"

// ErrNotConnected is returned (wrapped) by Publish/Consume when the
// Broker has no open channel.
var ErrNotConnected = errors.New("broker: not connected to amqp")
