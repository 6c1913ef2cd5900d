// Package harness runs pipeline scenarios: scripted tracker calls,
// network changes and clock advances against a real pipeline, with
// assertions on what reached the collector.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: offline_queue
//	description: "Hits queue while offline and go out on reconnect"
//	config:
//	  period: 30m
//	  rate_limit: false
//	steps:
//	  - do: offline
//	  - do: send
//	    hit_type: event
//	    fields: { eventCategory: video, eventAction: play }
//	  - do: advance
//	    duration: 30m
//	  - do: online
//	  - do: dispatch
//	assertions:
//	  - type: delivered_count
//	    count: 1
//	  - type: delivered_contains
//	    params: { t: event, ec: video }
//	  - type: queued
//	    count: 0
//
// # Steps
//
//   - send: send hit_type with fields from tracker (default UA-TEST-1)
//   - dispatch: dispatch queued hits now
//   - online, offline: report a network change
//   - advance: move the clock forward by duration, firing due timers
//   - period: change the dispatch period to duration
//   - opt_out, opt_in: toggle app opt-out
//   - clear: drop every undelivered hit
//   - restart: close the pipeline and open a new one on the same data
//
// # Assertion Types
//
//   - delivered_count: exactly count hits reached the collector
//   - delivered_contains: some delivered hit carries every listed param
//   - delivered_order: the delivered hit types, in order, are hit_types
//   - queued: the durable queue holds count hits at the end
//
// # Deterministic Testing
//
// Scenarios run on a fake clock starting at a fixed instant, against a
// fresh data directory and an in-process collector. After every step
// the harness waits for the pipeline's worker to go idle, so the trace
// records exactly what each step delivered.
package harness
