package remote

import "github.com/zhouzirui/gyb-chat/backend/internal/store"

// Request ops understood by the realtime endpoint.
const (
	OpAdd         = "add"
	OpSet         = "set"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpGet         = "get"
	OpQuery       = "query"
	OpBatch       = "batch"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Frame types sent by the server.
const (
	FrameReply    = "reply"
	FrameSnapshot = "snapshot"
	FrameError    = "error"
)

// Request is a client to server frame. Sub ids are chosen by the client so
// snapshots that arrive before the subscribe reply can still be routed.
type Request struct {
	ID         uint64         `json:"id"`
	Op         string         `json:"op"`
	Collection string         `json:"collection,omitempty"`
	DocID      string         `json:"docId,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Query      *store.Query   `json:"query,omitempty"`
	Writes     []store.Write  `json:"writes,omitempty"`
	Sub        string         `json:"sub,omitempty"`
}

// Frame is a server to client message: a reply to a request or a pushed
// subscription event.
type Frame struct {
	Type     string           `json:"type"`
	ID       uint64           `json:"id,omitempty"`
	Sub      string           `json:"sub,omitempty"`
	Error    string           `json:"error,omitempty"`
	NotFound bool             `json:"notFound,omitempty"`
	DocID    string           `json:"docId,omitempty"`
	Doc      *store.Document  `json:"doc,omitempty"`
	Docs     []store.Document `json:"docs,omitempty"`
	Version  uint64           `json:"version,omitempty"`
}
