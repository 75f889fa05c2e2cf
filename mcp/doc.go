// Package mcp implements the document-tools MCP facade: tool registration
// and dispatch, session lifecycle with a single keepalive loop, and the
// stdio and streamable-HTTP transports.
package mcp
