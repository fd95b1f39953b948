// Package ws serves the browser side of iflow2web.
//
// The package implements:
//   - Hub: tracks live connections and the logical session each is bound to
//   - Handler: upgrades /ws requests and runs one connection state machine
//     per socket (handshake, message loop, keepalive, single-flight exchanges)
//   - Service: owns both and shuts them down together with the agent pool
//
// Frames from the client are JSON objects. The first carries the session id;
// after that the client sends "user_message" and "ping" frames and receives
// the normalized agent events of package event.
package ws
