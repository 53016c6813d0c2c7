// Package config handles persistence of chittysync's coordination policy:
// heartbeat cadence, staleness thresholds, lock backoff, outbox capacity and
// the project registry endpoint. Configuration lives as JSON under
// ~/.chittysync and every value has a working default, so a missing or
// unreadable file never blocks startup.
package config
