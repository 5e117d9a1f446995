package model

// EventKind 会话事件类型
type EventKind string

const (
	EventLoaded     EventKind = "loaded"
	EventLoadedMore EventKind = "loaded-more"
	EventUpdated    EventKind = "updated"
)

// Event 会话事件。字段按类型取用：
// loaded{Count, Cached}、loaded-more{Count, HasMore, Records}、updated{Count, Source, Suppressed, Empty}
type Event struct {
	Kind       EventKind     `json:"kind"`
	Count      int           `json:"count"`
	Cached     bool          `json:"cached,omitempty"`
	HasMore    bool          `json:"hasMore,omitempty"`
	Records    []EmailRecord `json:"records,omitempty"`
	Source     string        `json:"source,omitempty"`
	Suppressed int           `json:"suppressed,omitempty"`
	Empty      bool          `json:"empty,omitempty"`
}
