// Package lark talks to the vendor's open API: token issuance and refresh,
// authenticated JSON calls with a single silent retry on stale tenant
// credentials, and the document/drive operations the MCP tools are built on.
//
// Two credential classes exist. The tenant token is a service-wide bearer
// obtained with the application's client credentials and shared by every
// caller. User tokens belong to one end user, are obtained through the
// OAuth authorization-code flow, refreshed with the stored refresh token,
// and persisted encrypted so authorization survives process restarts.
package lark
