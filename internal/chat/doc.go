// Package chat is the client-side chat and presence core: the conversation
// directory, the message log of the active conversation, the presence table,
// the delivery state machine and the subscription manager, composed by Session.
//
// Session owns every component and is constructed explicitly with its
// collaborators (API, Transport, Clock). Nothing in the package keeps global
// state, so several sessions can live in one process (tests do exactly that).
//
// Three producers write into the message log of the active conversation: local
// sends, inbound transport events and local read marking. All of them go through
// MessageLog methods; no other type touches the log's storage.
package chat
