// Package mqtt forwards usage and request events from the event bus to
// an MQTT broker and keeps a retained availability topic.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained "online" birth message; a will
// message flips the availability topic to "offline" on unexpected
// disconnects. A retained daily token total is republished once a
// minute so dashboards see a value right after subscribing.
//
// Topics, relative to <topic_prefix>/<device_name>:
//
//	availability   online | offline (retained)
//	usage          one JSON object per usage record
//	requests       one JSON object per completed request
//	tokens_today   daily token total (retained)
package mqtt
