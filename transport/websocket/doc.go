// Package websocket delivers match state to connected players and
// spectators in real time.
//
// A central Hub owns room membership for this replica. Each connection has
// a read pump that turns client requests into coordinator calls and a write
// pump that drains the connection's send buffer. All membership and
// version bookkeeping happens on the hub's single event loop goroutine.
//
// Protocol:
//
//	-> {"type":"join_room","room":"ab12cd34"}
//	-> {"type":"make_move","room":"ab12cd34","move":"e2e4"}
//	<- {"event":"game_state","room":"ab12cd34","version":4,"session":{...}}
//	<- {"event":"error","room":"ab12cd34","kind":"unauthorized","reason":"not_your_turn","message":"..."}
//
// Connections authenticate with an Authorization header or a token query
// parameter (?token=tma%20...). A connection without a credential is a
// spectator. Joining a full or finished match also admits the caller as a
// spectator. A joiner receives the current state immediately.
//
// Cross-replica delivery:
//
// The Hub implements the coordinator's Notifier. Committed states are
// published to a broker channel that every replica's hub subscribes to, so
// a move accepted on one replica reaches room members on all of them. A
// hub drops an update whose version is not newer than the last it delivered
// for that room. Errors are written only to the requesting connection.
//
// Usage:
//
//	hub := websocket.NewHub(broker.NewLocalBroker(), authenticator)
//	coord := service.NewCoordinator(store, rules, service.WithNotifier(hub))
//	hub.Attach(coord)
//	if err := hub.Start(ctx); err != nil {
//		return err
//	}
//	router.HandleFunc("/ws", hub.ServeWS)
//
// Slow clients whose send buffer fills are disconnected and resynchronize
// on reconnect; no feed replay is attempted.
package websocket
