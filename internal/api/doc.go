// Package api exposes the agent entry points over HTTP for custodial wallets,
// accepts signed callbacks from out-of-process oracles and serves read-only
// views of the agent, the task queue and oracle interactions.
package api
