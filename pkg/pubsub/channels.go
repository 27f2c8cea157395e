package pubsub

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Channel naming conventions for the chat relay. Every channel has the
// shape {prefix}:{scope}:{key}:{kind} so it maps onto a Kafka topic + key.
const (
	// Live message deliveries, keyed by sender id.
	ChannelDeliver = "chat:relay:%s:deliver"

	// Presence transitions, keyed by the user whose state changed.
	ChannelPresence = "chat:relay:%s:presence"

	PatternDeliver  = "chat:relay:*:deliver"
	PatternPresence = "chat:relay:*:presence"
)

// Event types carried on the relay channels.
const (
	EventDeliver  = "deliver"
	EventPresence = "presence"
)

// DeliverChannel returns the channel a sender's deliveries are published on.
func DeliverChannel(senderID int64) string {
	return fmt.Sprintf(ChannelDeliver, strconv.FormatInt(senderID, 10))
}

// PresenceChannel returns the channel a user's presence changes are published on.
func PresenceChannel(userID int64) string {
	return fmt.Sprintf(ChannelPresence, strconv.FormatInt(userID, 10))
}

// DeliverPayload asks every instance to push Frame to the local connections
// of UserIDs.
type DeliverPayload struct {
	UserIDs []int64         `json:"user_ids"`
	Frame   json.RawMessage `json:"frame"`
}

// PresencePayload announces that a user came online or went offline on the
// publishing instance.
type PresencePayload struct {
	UserID int64 `json:"user_id"`
	Online bool  `json:"online"`
}
