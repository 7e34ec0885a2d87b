/*
Package idle keeps many IDLE-mode connections alive from a small number
of goroutines. A Multiplexer owns the registered clients, drains their
sockets for pushed updates, refreshes each IDLE session before servers
time it out, and forwards mailbox events on a notification channel.
Connections that keep failing land on a blacklist so a broken mailbox
cannot occupy the multiplexer forever.
*/
package idle
