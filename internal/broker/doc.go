// Package broker owns the node's MQTT session. The [Manager] is a small
// state machine (idle, connecting, connected, disconnected) driven from
// the node loop: dials and publishes run on their own goroutines and
// report back by posting a closure onto the loop, so session state is only
// ever mutated from one goroutine.
//
// On every connect a will message ("offline", retained) is registered on
// the status topic and a retained "online" birth message follows once the
// session is up. A lost session is retried exactly once per reconnect
// delay, and only while the network link is up.
package broker
