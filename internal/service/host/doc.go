// Package host wires the extraction cache, module loader and control
// channel into the long-running worker entry point. It reaps module host
// processes orphaned by a previous run, stages the requested module archive
// and keeps one worker generation live until shutdown.
package host
