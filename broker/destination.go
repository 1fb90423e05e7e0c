package broker

import (
	"fmt"
)

// DefaultTopicExchange is the exchange topics are published to unless configured
const DefaultTopicExchange = "amq.topic"

// DestinationKind tells queues, topics and temporary queues apart
type DestinationKind string

const (
	KindQueue     DestinationKind = "queue"
	KindTopic     DestinationKind = "topic"
	KindTemporary DestinationKind = "temporary"
)

// Destination names where messages are sent to or consumed from
type Destination struct {
	Kind DestinationKind `yaml:"kind" env:"KIND" validate:"omitempty,oneof=queue topic temporary"`
	Name string          `yaml:"name" env:"NAME"`
	// Exchange overrides DefaultTopicExchange for topics
	Exchange string `yaml:"exchange" env:"EXCHANGE"`
	// Subscription names a durable topic subscription
	Subscription string `yaml:"subscription" env:"SUBSCRIPTION"`
}

// Queue returns a queue destination
func Queue(name string) Destination {
	return Destination{Kind: KindQueue, Name: name}
}

// Topic returns a topic destination on the default topic exchange
func Topic(name string) Destination {
	return Destination{Kind: KindTopic, Name: name}
}

// DurableTopic returns a topic destination consumed through a named durable
// subscription
func DurableTopic(name, subscription string) Destination {
	return Destination{Kind: KindTopic, Name: name, Subscription: subscription}
}

// Temporary returns a server-named queue that lives as long as its session
func Temporary() Destination {
	return Destination{Kind: KindTemporary}
}

// Validate checks the destination is usable
func (d Destination) Validate() error {
	switch d.kind() {
	case KindQueue, KindTopic:
		if d.Name == "" {
			return fmt.Errorf("%w: %s needs a name", ErrInvalidDestination, d.kind())
		}
	case KindTemporary:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDestination, d.Kind)
	}
	return nil
}

// Durable reports whether the destination is a durable topic subscription
func (d Destination) Durable() bool {
	return d.kind() == KindTopic && d.Subscription != ""
}

func (d Destination) String() string {
	switch d.kind() {
	case KindTopic:
		if d.Subscription != "" {
			return fmt.Sprintf("topic://%s/%s?subscription=%s", d.exchange(), d.Name, d.Subscription)
		}
		return fmt.Sprintf("topic://%s/%s", d.exchange(), d.Name)
	case KindTemporary:
		return "temporary://" + d.Name
	}
	return "queue://" + d.Name
}

func (d Destination) kind() DestinationKind {
	if d.Kind == "" {
		return KindQueue
	}
	return d.Kind
}

func (d Destination) exchange() string {
	if d.Exchange != "" {
		return d.Exchange
	}
	return DefaultTopicExchange
}

// route returns the exchange and routing key a publish goes to
func (d Destination) route() (string, string) {
	if d.kind() == KindTopic {
		return d.exchange(), d.Name
	}
	return "", d.Name
}
