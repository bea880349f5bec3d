// Package ipc implements request/response and publish/subscribe messaging
// over a topic-based bus.
//
// A Session holds three registries and dispatches every inbound message to
// at most one of them, in this order:
//
//   - servers, registered on a base topic and matched against base/#
//   - pending requests, matched on their exact reply topic
//   - plain subscriptions, matched against their wildcard pattern
//
// Requests are correlated by a numeric suffix. A request for base "a/rr/x"
// is published to "a/rr/x/12345" and its responses are expected on
// "a/rr_resp/x/12345". Every envelope is JSON:
//
//	{"status": 0, "request_payload": ..., "reply_topic": "..."}
//	{"status": 0, "response_payload": ...}
//
// All handlers run on the session's event loop, one at a time. Timeouts are
// delivered through the same loop, so a request receives exactly one
// terminal status: DONE or TIMEOUT, whichever happens first.
//
// Example usage:
//
//	sess, err := ipc.New(client, cfg.IPC, log)
//	if err != nil {
//	    return err
//	}
//	go sess.Run(ctx)
//
//	sess.RegisterServer("sbrick/1/rr/drive", nil, func(ss *ipc.ServerSession, _ any, p json.RawMessage) ipc.Status {
//	    return ss.SendResponse(p, ipc.StatusDone)
//	})
//
//	resp, err := sess.Call(ctx, "sbrick/1/rr/drive", map[string]int{"speed": 3}, 5*time.Second)
package ipc
