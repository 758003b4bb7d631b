// Package mcp exposes orbitd's orchestration operations as MCP tools.
//
// The server speaks MCP over stdio and delegates every tool call to a
// running orbitd daemon through its HTTP API:
//
//	MCP client -> stdio (this server) -> DaemonClient -> orbitd HTTP API
//
// It holds no state of its own, so any number of stdio sessions can share
// one daemon.
package mcp
