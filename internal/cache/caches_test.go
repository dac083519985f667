package cache

import "testing"

func TestCaches_GuildCreateThenDelete(t *testing.T) {
	c := New()
	c.ApplyDispatch("GUILD_CREATE", []byte(`{"id":"123456789012345678","name":"Test"}`))

	entry, ok := c.Guilds.Get(123456789012345678)
	if !ok {
		t.Fatalf("expected guild to be cached")
	}
	if string(entry.Raw) == "" {
		t.Fatalf("expected Raw to preserve the unknown fields")
	}

	c.ApplyDispatch("GUILD_DELETE", []byte(`{"id":"123456789012345678"}`))
	if _, ok := c.Guilds.Get(123456789012345678); ok {
		t.Fatalf("expected guild to be evicted after GUILD_DELETE")
	}
}

func TestCaches_ChannelUpdateTracksGuildID(t *testing.T) {
	c := New()
	c.ApplyDispatch("CHANNEL_CREATE", []byte(`{"id":"111","guild_id":"222","name":"general"}`))

	entry, ok := c.Channels.Get(111)
	if !ok || entry.Value.GuildID != 222 {
		t.Fatalf("channel cache entry = %+v, ok=%v", entry, ok)
	}
}

func TestCaches_ReadySeedsUnavailableGuilds(t *testing.T) {
	c := New()
	c.ApplyDispatch("READY", []byte(`{"guilds":[{"id":"1"},{"id":"2"}]}`))
	if c.Guilds.Len() != 2 {
		t.Fatalf("guilds cached = %d, want 2", c.Guilds.Len())
	}
	entry, _ := c.Guilds.Get(1)
	if !entry.Value.Unavailable {
		t.Fatalf("expected guild seeded from READY to be marked unavailable")
	}
}
