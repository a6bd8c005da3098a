/*
Package remotecmd provides a client for the remote exec protocol spoken by the Kubernetes API server's pod exec endpoint. It runs a command in a container and exposes the process's stdin, stdout and stderr as byte streams, multiplexed over a single WebSocket connection.

Every WebSocket message is one frame: a single prefix byte naming the channel, followed by the payload. The channels are:

	0 stdin   client->server
	1 stdout  server->client
	2 stderr  server->client
	3 status  server->client, one JSON status body when the process exits
	4 resize  client->server, JSON terminal size, tty sessions only

The v5.channel.k8s.io subprotocol adds a close signal on channel 255, whose payload is the id of the channel being closed. This is how stdin is closed without closing the connection. On v4.channel.k8s.io the only way to end stdin is to close the connection, after which no status can be received.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the command and stream flags in the query string.
2. The server may send empty frames on each channel as a handshake; these are ignored.
3. The client and server exchange stdin, stdout, and stderr frames while the process runs.
4. When the process exits, the server sends one status frame. Either side may then close the connection; the client closes it as soon as it has the status.

A connection that closes before a status frame is a protocol error.
*/
package remotecmd
