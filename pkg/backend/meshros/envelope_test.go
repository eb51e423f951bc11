package meshros

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeshTopicNames(t *testing.T) {
	assert.Equal(t, "/rosbus/topic//chatter/abc", topicName("/chatter", "abc"))
	assert.Equal(t, "/rosbus/topic//chatter/untyped", topicName("/chatter", ""))
	assert.Equal(t, "/rosbus/srv//toggle/00aa/req", requestTopicName("/toggle", "00aa"))
	assert.Equal(t, "/rosbus/srv//toggle/00aa/rep/caller-1", replyTopicName("/toggle", "00aa", "caller-1"))
}

func TestChecksumKeepsMeshesDisjoint(t *testing.T) {
	// Same topic name, different checksum: different mesh, no contact.
	assert.NotEqual(t, topicName("/chatter", "abc"), topicName("/chatter", "def"))
	assert.NotEqual(t, requestTopicName("/toggle", "abc"), requestTopicName("/toggle", "def"))
}

func TestCallRequestRoundTrip(t *testing.T) {
	req := callRequest{
		ID:    "call-1",
		Reply: replyTopicName("/toggle", "00aa", "caller-1"),
		Args:  json.RawMessage(`{"data":true}`),
	}
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded callRequest
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, req.ID, decoded.ID)
	assert.Equal(t, req.Reply, decoded.Reply)
	assert.JSONEq(t, string(req.Args), string(decoded.Args))
}

func TestCallResponseFailureOmitsValues(t *testing.T) {
	resp := callResponse{ID: "call-1", Result: false, Message: "declined"}
	payload, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"call-1","result":false,"message":"declined"}`, string(payload))

	var decoded callResponse
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.False(t, decoded.Result)
	assert.Equal(t, "declined", decoded.Message)
	assert.Nil(t, decoded.Values)
}
