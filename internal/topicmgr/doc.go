// Package topicmgr is the catalogue of topics fanout knows about.
//
// Core topics ship with the server. Application topics are registered by the
// code that publishes them, usually through pubsub.NewEvent at package init:
//
//	var Notifications = topicmgr.Define(topicmgr.Definition{
//		Name:        "notifications",
//		Scope:       topicmgr.ScopeCore,
//		Description: "Per-user notifications, filtered by the user_id attribute",
//		Attributes:  []string{"user_id"},
//		Example:     `{"msg":"hi"}`,
//	})
//
// The catalogue also owns the naming rules every topic has to follow, so the
// HTTP API and the CLI can reject a bad topic before it reaches the broker.
package topicmgr
