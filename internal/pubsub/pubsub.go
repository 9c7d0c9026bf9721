// Package pubsub provides an interface-driven pub/sub system for realtime messaging.
// The MVP uses an in-memory implementation, but the interface allows for Redis/NATS backends.
package pubsub

import (
	"context"
	"encoding/json"
)

// Message represents a pub/sub message with typed payload
type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handler is a callback for processing messages
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active subscription that can be closed
type Subscription interface {
	// Unsubscribe removes the subscription
	Unsubscribe() error
}

// PubSub defines the interface for publish/subscribe operations.
// All implementations must be safe for concurrent use.
type PubSub interface {
	// Publish sends a message to all subscribers of the given topic.
	// Returns error if the message could not be published.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler for messages on the given topic.
	// The handler is called for each message published to the topic.
	// Returns a Subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close shuts down the pub/sub system and releases resources.
	Close() error
}

// TopicBuilder helps construct consistent topic names
type TopicBuilder struct{}

// Room returns the topic for a conversation/room
func (t TopicBuilder) Room(roomID string) string {
	return "room:" + roomID
}

// User returns the topic for user-specific events
func (t TopicBuilder) User(userID string) string {
	return "user:" + userID
}

// Presence returns the topic for presence updates
func (t TopicBuilder) Presence() string {
	return "presence"
}

// Call returns the topic for a call room
func (t TopicBuilder) Call(roomID string) string {
	return "call:" + roomID
}

// Channel returns the "channel:{id}" topic. It is a different string from
// Room's "room:{id}"; the event fabric publishes channel events on the Room
// topic, not on this one.
func (t TopicBuilder) Channel(channelID string) string {
	return "channel:" + channelID
}

// PresenceUser returns the per-user "presence:{id}" topic. Rich-presence
// updates (rich_presence_update) are published on the User topic, not here.
func (t TopicBuilder) PresenceUser(userID string) string {
	return "presence:" + userID
}

// Admin returns the topic elevated admin sessions subscribe to.
func (t TopicBuilder) Admin() string {
	return "admin:events"
}

// Guild returns the topic for guild-wide events (role/channel changes).
func (t TopicBuilder) Guild(guildID string) string {
	return "guild:" + guildID
}

// Bot returns the topic a bot application's events publish to.
func (t TopicBuilder) Bot(botID string) string {
	return "bot:" + botID
}

// Topics is a helper for building topic names
var Topics = TopicBuilder{}
