package broker

import (
	"context"
)

// DeliverFunc receives the frames of a subscription, one at a time, in topic order.
type DeliverFunc func(ctx context.Context, frame Frame) error

// Transport moves frames between writers and subscribers of named topics.
type Transport interface {
	// OpenOutputTopic prepares a topic for sending.
	OpenOutputTopic(ctx context.Context, name string) (OutputTopic, error)

	// Subscribe delivers every frame of topic. Subscribers sharing a non-empty
	// group split the streams between them; an empty group receives everything.
	Subscribe(ctx context.Context, topic, group string, deliver DeliverFunc) (Subscription, error)

	Close(ctx context.Context) error
}

// OutputTopic sends frames to one topic. Frames of a stream arrive in send order.
type OutputTopic interface {
	Name() string
	Send(ctx context.Context, frame Frame) error
	Close(ctx context.Context) error
}

// Subscription is an active delivery of a topic.
type Subscription interface {
	Unsubscribe() error
}
