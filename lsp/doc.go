// Package lsp runs language servers and exposes each one to WebSocket clients.
//
// A Registry starts one process per instance and gives it a loopback port.
// Clients connect to ws://127.0.0.1:<port>/ and exchange bare JSON-RPC bodies;
// the instance adds and strips the Content-Length framing the server speaks on
// stdio. Server output goes to every connected client.
package lsp
