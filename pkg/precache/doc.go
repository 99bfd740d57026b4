// Package precache downloads a fixed set of critical assets into a cache
// namespace at install time and serves them afterwards.
//
// # Manifest
//
// The manifest is injected at build time as a JSON array. Elements are
// either URL strings or objects with a revision:
//
//	[
//	  "/ccca/care/",
//	  {"url": "/ccca/care/index.html", "revision": "3f2a9c"},
//	  {"url": "/static/app.4e1b.js"}
//	]
//
// # Install
//
// Install is all-or-nothing. Assets whose stored revision already matches
// are skipped, the rest are fetched in parallel (bounded by MaxConcurrency).
// A single failed fetch or non-2xx status aborts the batch with a
// *BatchError before anything is written:
//
//	p, err := precache.New(manifest, store, fetcher, precache.DefaultConfig("app-precache-v2", origin), logger)
//	if err != nil {
//		return err
//	}
//	if _, err := p.Install(ctx); err != nil {
//		var batchErr *precache.BatchError
//		if errors.As(err, &batchErr) {
//			// the worker stays uninstalled; retry later
//		}
//	}
//
// # Serving
//
// Strategy serves precached URLs from the cache, trying "<dir>/index.html"
// for directory requests, and falls back to the network. Matches is the
// route predicate for it. Cleanup removes entries dropped from the manifest.
package precache
