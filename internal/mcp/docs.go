package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `parley keeps one realtime chat session open and lets you read and write conversations through it.

Core concepts:
- Session: the socket connection. Status is disconnected, connecting, connected, reconnecting or error.
  Frames you send while it is not connected are queued and flushed on the next connect.
- Conversation: an ordered list of messages keyed by conversation id.
- Message status: SENDING (optimistic, not yet confirmed) -> SENT -> DELIVERED -> READ. DELETED is a tombstone.

Typical workflow:
1) Call session_status. If status is error and fatal is true, fix credentials; otherwise call reconnect.
2) Call list_conversations, then open_conversation(conversation_id) to load history.
3) send_message / edit_message / delete_message act on your own confirmed messages only.
4) purge_message hides a tombstone on this device only.
5) Use set_typing(true) while composing and set_typing(false) when done.

Docs:
- parley://docs/protocol (socket frame reference)
- parley://docs/session (connection lifecycle and reconnect policy)
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "parley://docs/protocol",
		Name:        "docs_protocol",
		Title:       "Socket frame reference",
		Description: "Frame types exchanged with the chat server and their payload fields.",
		Content: `# Socket frames

Every frame is a JSON object with a string ` + "`type`" + ` field. Frames that fail to parse are dropped.
Frames with an unknown type are passed to observers unchanged.

## Sent by the client

| type | fields |
|------|--------|
| USER_CONNECTED | userId, userName, userEmail, timestamp (sent first on every open) |
| GET_ONLINE_USERS | (none, sent after USER_CONNECTED) |
| PING | userId, timestamp (every heartbeat interval) |
| SEND_MESSAGE | message, conversationId, fromUserId |
| MESSAGE_EDITED | message, conversationId, fromUserId |
| DELETE_MESSAGE | messageId, conversationId, fromUserId |
| TYPING / STOP_TYPING | fromUserId, conversationId |

## Received from the server

| type | effect |
|------|--------|
| SEND_MESSAGE, MESSAGE_RECEIVED | message appended, or replaces the optimistic copy named by localId |
| MESSAGE_EDITED | text replaced unless the message is deleted |
| DELETE_MESSAGE | message becomes a tombstone |
| READ_RECEIPT, MESSAGE_DELIVERED | status raised, never lowered |
| USER_TYPING, USER_STOPPED_TYPING | typing indicator set or cleared (expires after 5s) |
| ONLINE_USERS | online roster replaced |
| AUTHENTICATION_FAILED | session ends in error, no reconnect |
| PONG, ERROR, CONNECTION_ACKNOWLEDGED | logged |
`,
	},
	{
		URI:         "parley://docs/session",
		Name:        "docs_session",
		Title:       "Session lifecycle",
		Description: "Connection states, reconnect backoff and what ends a session for good.",
		Content: `# Session lifecycle

- connect: disconnected/error -> connecting -> connected. A connect while connecting or connected does nothing.
- A close with code 1000, 1001 or 1005 ends in disconnected without reconnecting.
- Any other close schedules a reconnect: 2s, then x1.5 per attempt, capped at 15s.
  After 10 failed attempts the session moves to error.
- A successful open resets the attempt counter.
- Rejected credentials (handshake 401/403 or AUTHENTICATION_FAILED) move to error and are fatal:
  only an explicit reconnect leaves that state.
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}
