// Command mediafabricd runs the real-time media relay server: it
// terminates WebSocket and WebTransport connections, routes media
// between room participants, and exposes the admin HTTP surface.
package main

func main() {
	Execute()
}
