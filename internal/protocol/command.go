package protocol

import (
	"encoding/json"
	"strings"
)

// Ping is the text heartbeat sent to the feed; the feed answers "pong".
const Ping = "ping"

type command struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// SubscribeRequest builds {"op":"subscribe","args":[...]}.
func SubscribeRequest(topics []string) ([]byte, error) {
	args := topics
	if args == nil {
		args = []string{}
	}
	return json.Marshal(command{Op: "subscribe", Args: args})
}

// Topic joins a table and a symbol the way the feed expects them.
func Topic(table, symbol string) string {
	if symbol == "" {
		return table
	}
	return table + ":" + symbol
}

// TableOf returns the table part of a topic.
func TableOf(topic string) string {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return topic[:i]
	}
	return topic
}
