// Package orchestrator is the inbound surface of agentorch. It owns the
// workflow registry, picks an engine per run, tracks running workflows so
// they can be cancelled, and fans run progress out to a StatusSink and to
// event subscribers.
package orchestrator
