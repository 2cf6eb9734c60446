// Package messaging is the direct-messaging core: conversation identity,
// ordered message persistence, unread bookkeeping and delivery coordination.
//
// Every operation takes the acting user id explicitly. Persistence lives
// behind Store (memory, Postgres, SQLite); live push and badge fan-out are
// reached through the Pusher and Notifier interfaces so the core never
// imports a transport.
package messaging
