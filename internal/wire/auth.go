package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ChannelAuth is the opaque credential returned by the authentication endpoint
// and presented in a subscribe frame.
type ChannelAuth struct {
	Auth string `json:"auth"`
}

type ChannelAuthRequest struct {
	SocketID    string `json:"socket_id"`
	ChannelName string `json:"channel_name"`
}

// SignChannel returns hex(HMAC-SHA256(secret, socketID + ":" + channel)).
func SignChannel(secret []byte, socketID, channel string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(socketID + ":" + channel))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChannel checks a signature produced by SignChannel in constant time.
func VerifyChannel(secret []byte, socketID, channel, auth string) bool {
	if socketID == "" || channel == "" || auth == "" {
		return false
	}
	expected := SignChannel(secret, socketID, channel)
	return hmac.Equal([]byte(expected), []byte(auth))
}
