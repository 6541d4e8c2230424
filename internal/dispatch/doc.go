// Package dispatch drains the priority queue and hands requests to the
// transport.
//
// A single Dispatcher goroutine is the only consumer of the queue. Each
// iteration it:
//   - takes an in-flight slot when max_in_flight is set
//   - waits for the send rate limiter when a rate is configured
//   - blocks in queue.Wait until a request is available (no polling)
//   - sends through the circuit breaker
//
// Slots and rate tokens are taken before the pop, so a request admitted while
// the loop is throttled still competes on priority. A popped request is never
// put back.
//
// Error handling:
//   - Transport failure -> send_failed outcome, no retry, loop continues
//   - Breaker open -> send_failed outcome with gobreaker.ErrOpenState
//   - Context cancelled mid-send -> cancelled outcome
//
// Each request is registered with the correlator just before the send, armed
// with its response deadline once the send returns, and withdrawn if the send
// fails. The correlator handle is watched out of band so
// the loop never waits for a reply.
package dispatch
