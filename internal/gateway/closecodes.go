package gateway

// fatalCloseCodes are the Discord close codes after which reconnecting is
// pointless: the server will refuse the same credentials/shard/intents
// again.
var fatalCloseCodes = map[int]string{
	4004: "authentication failed",
	4010: "invalid shard",
	4011: "sharding required",
	4012: "invalid API version",
	4013: "invalid intents",
	4014: "disallowed intents",
}

func isFatalClose(code int) (reason string, fatal bool) {
	reason, fatal = fatalCloseCodes[code]
	return
}

const (
	closeNormal = 1000

	// closeZombie is sent by this client when a heartbeat goes unacked or
	// the server asks for a reconnect; it signals "resume me" rather than
	// a fresh identify.
	closeZombie = 4000
)
