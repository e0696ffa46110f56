// Package mqtt connects ember to an MQTT broker.
//
// A single [Link] carries both directions. Agent messages are published
// as JSON to <prefix>/<device>/say and anything arriving on
// <prefix>/<device>/hear is handed to a [MessageHandler] as user input.
// The link also appears in Home Assistant as a device: on every
// (re-)connect it publishes retained discovery configs for the drive and
// mood sensors plus an "online" birth message, and a will message flips
// availability to "offline" on unexpected disconnects.
//
// Connection management and reconnects come from Eclipse Paho v2's
// [autopaho] package.
package mqtt
