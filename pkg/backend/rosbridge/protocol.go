package rosbridge

import "encoding/json"

// Bridge protocol op names. The bridge speaks newline-less JSON objects over
// a websocket; every object carries an "op" discriminator.
const (
	opAdvertise          = "advertise"
	opUnadvertise        = "unadvertise"
	opPublish            = "publish"
	opSubscribe          = "subscribe"
	opUnsubscribe        = "unsubscribe"
	opCallService        = "call_service"
	opServiceResponse    = "service_response"
	opAdvertiseService   = "advertise_service"
	opUnadvertiseService = "unadvertise_service"
	opStatus             = "status"
)

// message is the bridge wire envelope. Fields are a union across ops; only
// the fields relevant to a given op are populated.
type message struct {
	Op      string          `json:"op"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Type    string          `json:"type,omitempty"`
	Service string          `json:"service,omitempty"`
	Msg     json.RawMessage `json:"msg,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Values  json.RawMessage `json:"values,omitempty"`
	Result  *bool           `json:"result,omitempty"`
	Level   string          `json:"level,omitempty"`
}

func boolPtr(v bool) *bool { return &v }
