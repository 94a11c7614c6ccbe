// Package mqtt mirrors pin state to an MQTT broker.
//
// Topics:
//
//	<prefix>/<room>/<pin>/state   retained JSON, one per pin
//	<prefix>/<room>/status        retained "online"/"offline" (also the LWT)
//
// The mirror is write-only: hearthd never accepts commands over MQTT.
package mqtt
