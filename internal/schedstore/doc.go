// Package schedstore keeps the scheduling engine's jobs and triggers durable.
//
// Adapter wraps an Engine: every mutation is applied to the engine first and,
// on success, mirrored into the record store in a single transaction. On
// startup Recover replays the stored records into a fresh, not yet started
// engine: jobs first, then triggers, then pauses.
//
// Record layout (partition / column key = "namespace/group/name"):
//
//	jobs:     {"v":1,"type":"job","job":{...}}
//	triggers: {"v":1,"type":"trigger_status","state":"PAUSED","trigger":{"v":1,"type":"trigger","trigger":{...}}}
//
// The nested trigger payload is kept as raw bytes so pause and resume rewrite
// only the state tag.
package schedstore
