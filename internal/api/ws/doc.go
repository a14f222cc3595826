// Package ws carries the bridge over WebSocket.
//
// The embedded annotation tool connects to the upgrade endpoint while the
// frame manager is loading. The connection's Origin header is checked
// against the allowed origins before the upgrade, and every inbound frame
// is handed to the bridge tagged with that origin.
//
// Example Usage:
//
//	acceptor := ws.NewAcceptor(bridge, ws.DefaultOptions(), logger, metrics)
//	router.GET("/frame/connect", acceptor.HandleConnect)
//	frames := frame.NewManager(acceptor, frameOpts)
package ws
