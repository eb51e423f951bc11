package meshros

import "encoding/json"

// callRequest is the envelope published on a service's request topic. Reply
// names the caller-owned response topic; ID correlates the response when
// several calls from one caller are in flight.
type callRequest struct {
	ID    string          `json:"id"`
	Reply string          `json:"reply"`
	Args  json.RawMessage `json:"args"`
}

// callResponse is the envelope published on the caller's reply topic.
// Result false carries the server-side failure message, keeping logic
// failures distinct from a server that never answered.
type callResponse struct {
	ID      string          `json:"id"`
	Result  bool            `json:"result"`
	Values  json.RawMessage `json:"values,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Mesh topic name layout. The checksum segment keeps incompatible endpoints
// on disjoint gossip meshes.
func topicName(topic, checksum string) string {
	return "/rosbus/topic/" + topic + "/" + checksumSegment(checksum)
}

func requestTopicName(service, checksum string) string {
	return "/rosbus/srv/" + service + "/" + checksumSegment(checksum) + "/req"
}

func replyTopicName(service, checksum, caller string) string {
	return "/rosbus/srv/" + service + "/" + checksumSegment(checksum) + "/rep/" + caller
}

func checksumSegment(checksum string) string {
	if checksum == "" {
		return "untyped"
	}
	return checksum
}
