// Package dispatch runs a single work request against the step registry.
//
// Dispatch looks up the step by id, builds the caller's session from the call
// metadata, constructs a fresh handler and executes it. Every path ends in
// exactly one ResultEnvelope:
//
//   - Unknown step id → ERROR "Unknown step %s", nothing constructed
//   - Session build error → ERROR with failure descriptor
//   - Handler construction error or panic → ERROR with failure descriptor
//   - Execute error or panic → ERROR with failure descriptor
//   - Execute returns nil or an invalid outcome → ERROR
//   - Execute returns an envelope → forwarded, SUCCESS or FAILURE as the step decided
//
// Panics are recovered and logged with their stack; stacks never reach the
// envelope. Dispatch does no retries and holds no state between calls.
package dispatch
