package topicmgr

// Core topics served by fanout.
var (
	Notifications = Define(Definition{
		Name:        "notifications",
		Scope:       ScopeCore,
		Description: "Per-user notifications; subscribe with subject=<user id> and filter on user_id",
		Example:     `{"msg":"hi"}`,
		Attributes:  []string{"user_id", "kind"},
	})

	FeedUpdates = Define(Definition{
		Name:        "feed.updates",
		Scope:       ScopeCore,
		Description: "Changes to a user's feed, such as new or edited posts",
		Example:     `{"post_id":"p1","action":"created"}`,
		Attributes:  []string{"user_id", "action"},
	})

	Broadcast = Define(Definition{
		Name:        "broadcast",
		Scope:       ScopeCore,
		Description: "Announcements delivered to every connected client",
		Example:     `{"msg":"maintenance at 02:00 UTC"}`,
	})
)

// CoreTopics returns the topics every catalogue starts with.
func CoreTopics() []Topic {
	return []Topic{Notifications, FeedUpdates, Broadcast}
}
