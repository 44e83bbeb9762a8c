// Package robots decides whether the harvester may fetch a URL.
//
// Cache holds one parsed robots.txt policy per origin (scheme://host[:port]).
// Policies are fetched lazily on first use, shared by concurrent callers
// through a single in-flight request per origin, and kept for the life of
// the process. A robots.txt that cannot be retrieved (transport failure or a
// 5xx response) or parsed yields a permit-all policy.
//
// Resolver follows a link through its redirects and checks the landed URL
// against the Cache, so the decision always applies to the origin that will
// actually serve the document.
package robots
