// Package web3 houses chain connectivity used by the EXECUTE_TRANSACTION
// action and the chain action handlers: chain definitions loaded from YAML,
// the Client abstraction implemented per network family, and request
// dispatch covering read helpers, eth_call and broadcast of pre-signed
// transactions with receipt waiting.
package web3
