// Package harness replays scenarios against the mapping and safety rules on
// a virtual clock, without a device transport.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: gift_burst
//	description: "Big gifts clamp, then hit the device cooldown"
//	rules: rules.yaml            # optional, relative to the scenario file
//	limits:                      # optional, replaces the rules file limits
//	  max_intensity: 80
//	  per_device_cooldown_ms: 3000
//	steps:
//	  - at_ms: 0
//	    event: {type: gift, user_id: u1, payload: {gift_name: Rose, gift_value: 2000}}
//	  - at_ms: 500
//	    command: {device_id: D1, kind: Vibrate, intensity: 40, duration_ms: 500}
//	  - at_ms: 1000
//	    pattern: {name: Pulse3, device_id: D2}
//	  - at_ms: 1500
//	    emergency_stop: true
//	  - at_ms: 4000
//	    clear_emergency: true
//	assertions:
//	  - type: count
//	    outcome: rejected
//	    count: 1
//	  - type: order
//	    device: D2
//	    kinds: [Vibrate, Stop]
//	  - type: contains
//	    outcome: rejected
//	    reason: cooldown
//
// Every command a step produces goes through the safety gate at the step's
// virtual time and becomes one trace entry. Pattern runs are expanded into
// their steps and the implicit Stop at the pattern's offsets; an emergency
// stop cancels the remaining steps of every run and stops its device.
//
// # Assertion Types
//
//   - count: entries matching outcome (and optionally device, source) occur exactly count times
//   - order: the kinds of allowed entries for device are exactly kinds
//   - contains: some entry matching outcome has reason as a substring
//
// Runs are deterministic: the clock starts at a fixed epoch and only moves
// to each step's at_ms.
package harness
