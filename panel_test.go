package main

import (
	"context"
	"errors"
	"testing"

	"github.com/disgoorg/snowflake/v2"
)

func TestBuildPanelView(t *testing.T) {
	t.Parallel()

	track := Track{ID: "abc", Title: "Song", Artist: "Band"}
	status := GuildStatus{Connected: true, State: "playing", Track: &track, Volume: 70}
	tracks := []Track{track, {ID: "def", Title: "Other", Artist: "Band"}}
	stations := []*Station{{ID: "st1", Name: "Chill", Tracks: []string{"a.mp3"}}}

	view := BuildPanelView(status, tracks, stations, 0x5865F2)

	if view.Color != 0x5865F2 {
		t.Errorf("color lost: %x", view.Color)
	}
	if len(view.Selects) != 2 {
		t.Fatalf("expected track and station selects, got %d", len(view.Selects))
	}
	if view.Selects[0].Options[0].Value != "abc" {
		t.Errorf("track select should carry track ids, got %q", view.Selects[0].Options[0].Value)
	}
	if view.Selects[1].Options[0].Value != "st1" {
		t.Errorf("station select should carry station ids, got %q", view.Selects[1].Options[0].Value)
	}

	buttons := map[string]PanelButton{}
	for _, row := range view.Buttons {
		for _, b := range row {
			buttons[b.ID] = b
		}
	}
	if !buttons["panel:join"].Disabled {
		t.Error("join should be disabled while connected")
	}
	if buttons["panel:leave"].Disabled {
		t.Error("leave should be enabled while connected")
	}
	if buttons["panel:stop"].Disabled {
		t.Error("stop should be enabled while playing")
	}

	// Disconnected and idle flips the button states.
	view = BuildPanelView(GuildStatus{State: "idle", Volume: 100}, nil, nil, 0)
	buttons = map[string]PanelButton{}
	for _, row := range view.Buttons {
		for _, b := range row {
			buttons[b.ID] = b
		}
	}
	if buttons["panel:join"].Disabled {
		t.Error("join should be enabled while disconnected")
	}
	if !buttons["panel:stop"].Disabled {
		t.Error("stop should be disabled while idle")
	}
	if !buttons["panel:volup"].Disabled {
		t.Error("vol+ should be disabled at max volume")
	}
	if len(view.Selects) != 0 {
		t.Errorf("expected no selects with empty catalog, got %d", len(view.Selects))
	}
}

func TestPanelSelectCapped(t *testing.T) {
	t.Parallel()

	tracks := make([]Track, 40)
	for i := range tracks {
		tracks[i] = Track{ID: string(rune('a' + i%26)), Title: "T"}
	}
	view := BuildPanelView(GuildStatus{}, tracks, nil, 0)
	if len(view.Selects[0].Options) != panelSelectMaxRows {
		t.Errorf("expected %d options, got %d", panelSelectMaxRows, len(view.Selects[0].Options))
	}
}

func TestParseHexColor(t *testing.T) {
	t.Parallel()

	if got := parseHexColor("#FF0000"); got != 0xFF0000 {
		t.Errorf("expected red, got %x", got)
	}
	if got := parseHexColor("garbage"); got != 0x5865F2 {
		t.Errorf("expected default for garbage, got %x", got)
	}
	if got := parseHexColor(""); got != 0x5865F2 {
		t.Errorf("expected default for empty, got %x", got)
	}
}

func TestPostAndRefreshPanel(t *testing.T) {
	t.Parallel()

	engine, gw, _ := newTestEngine(t)
	guildID := snowflake.ID(1)
	channelID := snowflake.ID(900)
	ctx := context.Background()

	if err := engine.PostPanel(ctx, guildID, channelID); err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(gw.sent) != 1 {
		t.Fatalf("expected 1 panel message, got %d", len(gw.sent))
	}
	// The reference is persisted for restarts.
	cfg := engine.config.Get()
	if cfg.Panel.ChannelID != channelID.String() || cfg.Panel.MessageID != gw.sent[0].String() {
		t.Errorf("panel ref not persisted: %+v", cfg.Panel)
	}

	engine.RefreshPanel(ctx, guildID)
	if len(gw.edited) != 1 || gw.edited[0] != gw.sent[0] {
		t.Fatalf("expected in-place edit of %s, got %v", gw.sent[0], gw.edited)
	}
	if len(gw.sent) != 1 {
		t.Errorf("refresh should not create new messages, got %d", len(gw.sent))
	}
}

func TestPostPanelReusesTrackedMessage(t *testing.T) {
	t.Parallel()

	engine, gw, _ := newTestEngine(t)
	guildID := snowflake.ID(1)
	channelID := snowflake.ID(900)
	ctx := context.Background()

	if err := engine.PostPanel(ctx, guildID, channelID); err != nil {
		t.Fatalf("post: %v", err)
	}
	// Posting again to the same channel edits in place instead of duplicating.
	if err := engine.PostPanel(ctx, guildID, channelID); err != nil {
		t.Fatalf("repost: %v", err)
	}
	if len(gw.sent) != 1 {
		t.Fatalf("expected a single panel message, got %d", len(gw.sent))
	}
	if len(gw.edited) == 0 {
		t.Error("expected repost to edit the tracked message")
	}

	// A different channel gets a fresh message.
	if err := engine.PostPanel(ctx, guildID, snowflake.ID(901)); err != nil {
		t.Fatalf("post elsewhere: %v", err)
	}
	if len(gw.sent) != 2 {
		t.Errorf("expected a new message in the new channel, got %d sends", len(gw.sent))
	}
}

func TestPanelRefScopedToGuild(t *testing.T) {
	t.Parallel()

	engine, gw, dialer := newTestEngine(t)
	guildA := snowflake.ID(1)
	guildB := snowflake.ID(2)
	ctx := context.Background()

	if err := engine.PostPanel(ctx, guildA, snowflake.ID(900)); err != nil {
		t.Fatalf("post: %v", err)
	}

	// Another guild does not inherit the persisted reference.
	engine.RefreshPanel(ctx, guildB)
	if len(gw.edited) != 0 || len(gw.sent) != 1 {
		t.Fatalf("guild without a panel should be a no-op, sent=%d edited=%d", len(gw.sent), len(gw.edited))
	}

	// After a restart only the owning guild picks the reference back up.
	restarted := NewAudioEngine(engine.config, nil, gw, dialer)
	restarted.RefreshPanel(ctx, guildA)
	if len(gw.edited) != 1 || gw.edited[0] != gw.sent[0] {
		t.Fatalf("expected restarted engine to edit %s, got %v", gw.sent[0], gw.edited)
	}
	restarted.RefreshPanel(ctx, guildB)
	if len(gw.sent) != 1 || len(gw.edited) != 1 {
		t.Errorf("other guild picked up a foreign panel, sent=%d edited=%d", len(gw.sent), len(gw.edited))
	}
}

func TestRefreshLimiterPerGuild(t *testing.T) {
	t.Parallel()

	engine, gw, _ := newTestEngine(t)
	guildA := snowflake.ID(1)
	guildB := snowflake.ID(2)
	ctx := context.Background()

	if err := engine.PostPanel(ctx, guildA, snowflake.ID(900)); err != nil {
		t.Fatalf("post a: %v", err)
	}
	if err := engine.PostPanel(ctx, guildB, snowflake.ID(901)); err != nil {
		t.Fatalf("post b: %v", err)
	}

	// Drain guild A's refresh budget.
	for i := 0; i < 10; i++ {
		engine.RefreshPanel(ctx, guildA)
	}
	drained := len(gw.edited)
	engine.RefreshPanel(ctx, guildA)
	if len(gw.edited) != drained {
		t.Fatal("expected guild A refresh suppressed after the burst")
	}

	// Guild B's budget is its own.
	engine.RefreshPanel(ctx, guildB)
	if len(gw.edited) != drained+1 || gw.edited[len(gw.edited)-1] != gw.sent[1] {
		t.Errorf("expected guild B edit of %s, got %v", gw.sent[1], gw.edited)
	}
}

func TestRefreshPanelSelfHeals(t *testing.T) {
	t.Parallel()

	engine, gw, _ := newTestEngine(t)
	guildID := snowflake.ID(1)
	ctx := context.Background()

	if err := engine.PostPanel(ctx, guildID, snowflake.ID(900)); err != nil {
		t.Fatalf("post: %v", err)
	}
	original := gw.sent[0]

	// Simulate the message being deleted by a moderator.
	gw.fetchErr = errors.New("unknown message")

	engine.RefreshPanel(ctx, guildID)
	if len(gw.sent) != 2 {
		t.Fatalf("expected panel recreated, sent=%d", len(gw.sent))
	}
	recreated := gw.sent[1]
	if recreated == original {
		t.Error("expected a new message id")
	}
	if got := engine.config.Get().Panel.MessageID; got != recreated.String() {
		t.Errorf("expected new id persisted, got %q", got)
	}

	// Once healed, refresh edits the new message.
	gw.fetchErr = nil
	engine.RefreshPanel(ctx, guildID)
	if len(gw.edited) == 0 || gw.edited[len(gw.edited)-1] != recreated {
		t.Errorf("expected edit of recreated message %s, got %v", recreated, gw.edited)
	}
}

func TestRefreshPanelNoReference(t *testing.T) {
	t.Parallel()

	engine, gw, _ := newTestEngine(t)
	engine.RefreshPanel(context.Background(), snowflake.ID(1))
	if len(gw.sent) != 0 || len(gw.edited) != 0 {
		t.Error("refresh without a panel reference should be a no-op")
	}
}
