// Package web3 houses blockchain connectivity utilities used by the chat
// tools: RPC clients for EVM networks, multi-chain configuration helpers and
// a registry that resolves chains by name. Transactions are always signed by
// the user's wallet; the runtime only reads chain state and broadcasts
// already-signed payloads.
package web3
