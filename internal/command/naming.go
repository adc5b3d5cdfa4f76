package command

import "strings"

// Naming derives command/reply/event destination names from the
// configured prefixes. Defaults match the wire convention: commands on
// "APP.CMD.<NAME>.Q", replies on "APP.CMD.REPLY.Q", events on
// "events.<Type>".
type Naming struct {
	CommandPrefix string
	QueueSuffix   string
	ReplyQueue    string
	EventPrefix   string
}

func DefaultNaming() Naming {
	return Naming{
		CommandPrefix: "APP.CMD.",
		QueueSuffix:   ".Q",
		ReplyQueue:    "APP.CMD.REPLY.Q",
		EventPrefix:   "events.",
	}
}

// DestinationFor returns the queue name a command of the given name is
// published to.
func (n Naming) DestinationFor(name string) string {
	return n.CommandPrefix + strings.ToUpper(name) + n.QueueSuffix
}

// ReplyDestination returns the queue every reply is published to.
func (n Naming) ReplyDestination() string {
	return n.ReplyQueue
}

// EventTopic returns the topic an event of the given type is published to.
func (n Naming) EventTopic(eventType string) string {
	return n.EventPrefix + eventType
}
