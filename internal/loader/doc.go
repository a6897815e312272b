// Package loader owns the lifecycle of a loaded application package.
//
// Go cannot unload code mapped into a process, so each load produces a
// dedicated module host subprocess: an isolated context that can be torn
// down completely by stopping the process. The loader resolves the engine
// adapter, ensures the package archive is extracted through the shared
// cache, starts a module host generation against the extracted directory,
// and answers instantiation requests through the generation's control
// channel. At most one generation is live per Loader; callers serialize
// Load/Unload — concurrent lifecycle calls against one Loader are not
// supported.
package loader
