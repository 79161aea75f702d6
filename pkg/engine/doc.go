// Package engine provides the core types and the reconciliation loop of detectops.
//
// # Overview
//
// detectops keeps detection rules deployed on remote security services in sync
// with a local workspace. Every service kind is driven by a sandboxed plugin.
// A run goes through these phases:
//
//  1. Resolve - Turn a scope identifier into desired detections (Resolver)
//  2. Lock and load - Acquire the state lock and read the cached state (StateBackend)
//  3. Refresh - Read every rule from its plugin, one goroutine per plugin (Planner)
//  4. Diff - Partition rules into create, update and remove sets (ComputeDiff)
//  5. Confirm - Render the diff and ask the operator (Reporter, Prompter)
//  6. Mutate - Run the batches, creates then updates then deletes (Executor)
//  7. Save - Fold confirmed outcomes into state and persist it once
//
// # Core Domain Types
//
//   - State: tracked rule content per service, with lineage and serial
//   - Detections: desired rules grouped by plugin, shared by the plugin's services
//   - Diff and ServiceDiff: the changes a run would perform
//   - RuleOutcome: the result of one remote mutation
//   - RunRecord: the summary written to the run history
//
// # Plugin Contract
//
// Plugins implement the Plugin interface. Read, Create, Update and Delete
// return a nil result when the rule does not exist remotely; the engine relies
// on that to tell drift from failure:
//
//	live, err := plugin.Read(ctx, settings, "rules/brute-force", content)
//	if err == nil && live == nil {
//	    // rule was removed out of band
//	}
//
// # Concurrency
//
// Plugins run in parallel. Within a plugin, services and rules run in order.
// Worker goroutines never touch the State: they hand results back and the
// coordinating goroutine merges them after all workers have joined.
//
// # Error Classification
//
// Errors are EngineError values carrying a class and a code:
//
//   - Transient: state I/O and timeouts, which may succeed on retry
//   - Conflict: a state lock held by someone else
//   - Permanent: configuration, plugin and serialization failures
//
// Use IsTimeout, IsLocked and IsUserAbort to inspect them.
package engine
