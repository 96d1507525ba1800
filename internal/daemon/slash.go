package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/markcallen/simplebot/internal/bridge"
)

// handleSlash dispatches a recognized slash command against the session routed
// for the message origin.
func (d *Daemon) handleSlash(ctx context.Context, cmd, args string, msg IncomingMessage, origin Origin) {
	sessionName := d.sessions.Resolve(msg.Platform, msg.Channel)
	br, err := d.sessions.GetOrStart(ctx, sessionName)
	if err != nil {
		d.logger.Error("get session for slash command", "session", sessionName, "command", cmd, "error", err)
		d.reply(origin, "⚠️ Agent unavailable: "+err.Error())
		return
	}
	d.sessions.RecordActivity(sessionName)

	switch cmd {
	case "abort":
		if _, err := br.Command(ctx, bridge.RPCAbort, nil); err != nil {
			d.reply(origin, "⚠️ Abort failed: "+err.Error())
			return
		}
		d.reply(origin, "⏹️ Aborted.")

	case "compress":
		d.reply(origin, "🗜️ Compressing context...")
		var params map[string]any
		if args != "" {
			params = map[string]any{"customInstructions": args}
		}
		data, err := br.Command(ctx, bridge.RPCCompact, params)
		if err != nil {
			d.reply(origin, "⚠️ Compression failed: "+err.Error())
			return
		}
		d.reply(origin, compressReply(data))

	case "new":
		if _, err := br.Command(ctx, bridge.RPCNewSession, nil); err != nil {
			d.reply(origin, "⚠️ New session failed: "+err.Error())
			return
		}
		d.reply(origin, "🆕 Started a new session.")

	case "reload":
		response, err := br.SendMessage(ctx, "/reload-runtime", bridge.Callbacks{})
		if err != nil {
			d.reply(origin, "⚠️ Reload failed: "+err.Error())
			return
		}
		if response != "" {
			d.reply(origin, response)
		}

	case "model":
		d.handleModel(ctx, br, args, origin)
	}
}

func (d *Daemon) handleModel(ctx context.Context, br *bridge.Bridge, args string, origin Origin) {
	data, err := br.Command(ctx, bridge.RPCGetAvailableModels, nil)
	if err != nil {
		d.reply(origin, "⚠️ Could not list models: "+err.Error())
		return
	}
	models, err := bridge.ParseModels(data)
	if err != nil || len(models) == 0 {
		d.reply(origin, "⚠️ No models available.")
		return
	}

	if args == "" {
		var b strings.Builder
		b.WriteString("Available models:\n")
		for _, m := range models {
			b.WriteString("• " + m.Label() + "\n")
		}
		d.reply(origin, strings.TrimRight(b.String(), "\n"))
		return
	}

	m, ok := bridge.MatchModel(models, args)
	if !ok {
		d.reply(origin, fmt.Sprintf("⚠️ No model matching %q.", args))
		return
	}
	if _, err := br.Command(ctx, bridge.RPCSetModel, map[string]any{"model": m.ID}); err != nil {
		d.reply(origin, "⚠️ Model switch failed: "+err.Error())
		return
	}
	d.reply(origin, "✅ Model set to "+m.Label())
}

// compressReply formats the post-compaction summary from the compact RPC's
// response data, when the child reports token counts.
func compressReply(data json.RawMessage) string {
	var stats struct {
		TokensBefore int `json:"tokensBefore"`
		TokensAfter  int `json:"tokensAfter"`
	}
	if err := json.Unmarshal(data, &stats); err == nil && stats.TokensBefore > 0 {
		if stats.TokensAfter > 0 {
			return fmt.Sprintf("✅ Compressed. Tokens before: %d, after: %d", stats.TokensBefore, stats.TokensAfter)
		}
		return fmt.Sprintf("✅ Compressed. Tokens before: %d", stats.TokensBefore)
	}
	return "✅ Compressed."
}
