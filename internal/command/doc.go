// Package command defines the value types that flow through the actuation
// pipeline: devices, inbound live events, and actuation commands.
//
// This package contains type definitions only. Every other internal package
// imports command; command imports nothing internal.
//
// Key design constraints:
//   - Command is immutable once constructed. Helpers that "modify" a command
//     (WithIntensity, WithDuration, ...) return a copy.
//   - Kind and EventType are closed enums; switches over them are exhaustive
//     and unknown values are rejected at the boundary.
//   - All JSON tags use snake_case.
package command
