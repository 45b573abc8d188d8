// Package llm abstracts the language model behind the oracle. The oracle
// responder sends the conversation context and the user's text and turns the
// reply into a callback.
package llm
