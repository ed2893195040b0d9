// Package mcp exposes the context engine as Model Context Protocol tools
// over stdio, using github.com/modelcontextprotocol/go-sdk.
//
// Tools: get_current_context, detect_stuck_pattern, suggest_action, search,
// query_window, append_event, save_session, load_last_session and
// tool_search. Validation failures come back as tool errors; partial
// results carry complete=false.
package mcp
