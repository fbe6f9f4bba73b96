// Package mqtt bridges the event bus to an MQTT broker so dashboards
// and home automation can follow planning sessions. Turn lifecycle
// events are published under <prefix>/sessions/<id>/<kind>, trip
// changes under <prefix>/trips/<id>/<kind>, and a running token count
// under <prefix>/stats/tokens_today.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. A retained
// "online" status is published on every (re-)connect, and a will
// message flips it to "offline" on unexpected disconnects.
package mqtt
