// Package auth gates the agent's write endpoints behind bearer tokens.
// Each token resolves to a Subject carrying permissions and the custodial
// wallets it may spend.
package auth
