package proto

const (
	MdnsTag = "goop-call-mdns"

	// libp2p stream protocol ID for point-to-point call signaling
	SignalProtoID = "/goop/call-signal/1.0.0"

	// gossipsub topic prefix; each identity listens on SignalTopicPrefix + "/" + peerID
	SignalTopicPrefix = "goop.call.v1"
)

// SignalTopic returns the pubsub topic a peer listens on for call signaling.
func SignalTopic(peerID string) string {
	return SignalTopicPrefix + "/" + peerID
}
