// Package domain models the humidity/temperature telemetry flowing through
// the pipeline, from raw MQTT captures to structured per-device readings.
//
// # Data Sources
//
// Telemetry arrives on MQTT topics of the form
//
//	MSN/group6/sensors/<device>
//
// from two kinds of publishers: sensor boards that publish JSON directly, and
// an edge poller that scrapes a USB datalogger's web page and republishes the
// values. The core treats both identically; every message is captured
// verbatim as a [RawRecord] before any interpretation happens.
//
// # Payload Variants
//
// Payloads are classified structurally by [ClassifyPayload], never by topic
// string or byte prefix:
//
// JSON object with named fields:
//
//	{"device_id":"rpi-livingroom","temperature":24.1,"humidity":48.2,"ts":1712345678901}
//
// Publishers disagree on field names, so lookup is alias-based:
//
//	device:      device_id | id | device
//	timestamp:   ts | timestamp | time     (epoch milliseconds, number or numeric string)
//	temperature: temperature | temp | t
//	humidity:    humidity | hum | h
//
// A missing device id falls back to the last topic segment. Extra fields
// (pressure, orientation) are ignored.
//
// Delimited positional line, produced by the web-scraping poller:
//
//	<device>;<epoch-ms>;<temperature>;<humidity>
//
// Either measurement field may be empty, but not both.
//
// # Validation
//
// Values outside the plausible sensor envelope (temperature -40..85 degrees C,
// humidity 0..100 percent) are rejected, not clamped: clamping would fabricate
// data that was never measured. Rejections surface as [ParseError], which the
// normalizer records and skips without halting the pipeline.
//
// # Provenance and Deduplication
//
// Every [Reading] carries a [Provenance]: the raw row it was parsed from
// ("raw:17") or the capture file and line it was backfilled from
// ("logs/2026-02-11/3.jsonl:42"). The structured store enforces one row per
// (device, event time); re-delivered messages and re-polled duplicates both
// collapse into the first-written row, so replaying the raw log is always
// safe. See the normalizer package for the cursor mechanics built on top.
package domain
