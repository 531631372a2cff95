// Package web3 provides read-only access to EVM compatible chains: named chain
// definitions, head snapshots and native balance lookups used by the
// wallet.balance tool.
package web3
