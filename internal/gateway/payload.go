package gateway

import "encoding/json"

// Packet is the wire shape of every gateway frame: {op, d, s, t}. S and T
// are present only for op=DISPATCH.
type Packet struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

type identifyPayload struct {
	Token          string             `json:"token"`
	Properties     identifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          [2]int             `json:"shard,omitempty"`
	Presence       interface{}        `json:"presence,omitempty"`
	Intents        int64              `json:"intents"`
}

type resumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// readyData is the subset of READY's payload the engine persists; unknown
// fields are preserved on the dispatched event via its own Raw field, not
// here — this struct exists only to seed session/resume state.
type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// Event is what DISPATCH frames become once demuxed: the type name, the
// sequence it arrived with, and the payload preserved verbatim for cache
// updaters and user listeners to decode further. Fields this library does
// not model are never dropped; they stay available in Raw.
type Event struct {
	Type     string
	Sequence int64
	Raw      json.RawMessage
}

func encodePacket(op Opcode, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Packet{Op: op, D: raw})
}
