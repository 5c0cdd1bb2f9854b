// Package session implements the client-side session lifecycle for TripTask.
//
// A Manager owns the live credential (held in a tokenstore.Store and mirrored
// through a storage.Bridge). It logs in, resolves the principal via
// /auth/me, refreshes lazily when an API call answers 401, enforces the
// absolute window of non-remembered sessions, and logs out.
//
// Refresh is single-flight: concurrent callers that observe a 401 for the
// same access token share one /auth/refresh call and its result. A failed
// refresh always ends the session, and logout listeners (the realtime
// client, for one) are told to tear down.
package session
