// Package engine is the protocol client for the generative engine. It wraps
// the engine's HTTP surface (job submission, history, artifact download,
// image upload, interrupt) and its websocket progress stream behind typed
// events and errors, leaving all orchestration policy to the runners.
package engine
