package cache

import "encoding/json"

// GuildRecord, ChannelRecord and UserRecord are the minimal identity
// records the cache needs to key and update entries by. Everything beyond
// ID and parent ID is available to callers via Entry.Raw.
type GuildRecord struct {
	ID          uint64
	Unavailable bool
}

type ChannelRecord struct {
	ID      uint64
	GuildID uint64
}

type UserRecord struct {
	ID uint64
}

// Caches bundles the three typed stores the gateway dispatch handlers
// write to.
type Caches struct {
	Guilds   *Store[uint64, GuildRecord]
	Channels *Store[uint64, ChannelRecord]
	Users    *Store[uint64, UserRecord]
}

func New() *Caches {
	return &Caches{
		Guilds:   NewStore[uint64, GuildRecord](),
		Channels: NewStore[uint64, ChannelRecord](),
		Users:    NewStore[uint64, UserRecord](),
	}
}

type idPayload struct {
	ID      json.Number `json:"id"`
	GuildID json.Number `json:"guild_id"`
}

func (p idPayload) id() uint64 {
	v, _ := p.ID.Int64()
	return uint64(v)
}

func (p idPayload) guildID() uint64 {
	v, _ := p.GuildID.Int64()
	return uint64(v)
}

// ApplyDispatch updates the caches for one gateway DISPATCH event. Must
// only be called from the gateway's single dispatch-handling goroutine.
func (c *Caches) ApplyDispatch(eventType string, raw []byte) {
	switch eventType {
	case "GUILD_CREATE", "GUILD_UPDATE":
		var p idPayload
		if json.Unmarshal(raw, &p) == nil {
			id := p.id()
			c.Guilds.Set(id, GuildRecord{ID: id}, raw)
		}
	case "GUILD_DELETE":
		var p idPayload
		if json.Unmarshal(raw, &p) == nil {
			c.Guilds.Delete(p.id())
		}
	case "CHANNEL_CREATE", "CHANNEL_UPDATE":
		var p idPayload
		if json.Unmarshal(raw, &p) == nil {
			id := p.id()
			c.Channels.Set(id, ChannelRecord{ID: id, GuildID: p.guildID()}, raw)
		}
	case "CHANNEL_DELETE":
		var p idPayload
		if json.Unmarshal(raw, &p) == nil {
			c.Channels.Delete(p.id())
		}
	case "READY":
		c.applyReady(raw)
	}
}

type readyGuildsPayload struct {
	Guilds []idPayload `json:"guilds"`
}

func (c *Caches) applyReady(raw []byte) {
	var p readyGuildsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	for _, g := range p.Guilds {
		id := g.id()
		c.Guilds.Set(id, GuildRecord{ID: id, Unavailable: true}, nil)
	}
}
