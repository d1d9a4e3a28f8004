// Package engine wires the actuation core together.
//
// Data flow:
//
//	Event -> mapping.Engine.Evaluate -> Command(s) -> queue.Manager.Enqueue
//	      -> [safety.Manager.Validate] -> transport.Send -> completed/failed
//
// The pattern engine feeds the same queue on its own timer, interleaved with
// event-triggered commands by priority.
//
// The safety manager owns all limit state. The engine subscribes to its
// emergency-stop changes: on trigger the queue is flushed, device holds end
// and every pattern run is cancelled (each run enqueues its own Stop).
//
// HandleEvent only does in-memory work, so the ingestion side is never
// blocked by dispatch or by the device transport.
package engine
