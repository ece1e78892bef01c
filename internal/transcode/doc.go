// Package transcode derives renditions from a merged upload. The orchestrator
// probes the source, builds a task set from a fixed resolution ladder plus one
// audio extraction, fans the tasks out to isolated ffmpeg processes, and
// deletes the source only when every task succeeded. A bounded processor
// consumes completion jobs from a queue so concurrent uploads cannot spawn
// unbounded ffmpeg batches.
package transcode
