// Package oracle is the conversational oracle the agent delegates to. It owns
// counters, contexts and interactions, asks a language model for replies and
// delivers each reply by calling back into the requesting program under its
// own identity.
package oracle
