// Package geoloc answers one-shot "where am I" requests.
//
// Positions come from one of:
//   - a fixed point in the config file
//   - an NMEA receiver on a serial port
//   - a gpsd daemon
//   - the browser, pushed over the websocket bridge
//
// Every source feeds the same cache, so CurrentPosition can answer from a
// recent fix without waiting for the receiver.
package geoloc
