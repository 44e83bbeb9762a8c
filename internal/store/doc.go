// Package store defines the persistence interfaces for harvest run
// tracking. Implementations live in the storage packages; this package
// must not import database drivers or concrete clients.
package store
