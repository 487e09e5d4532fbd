// Package session is the session directory. It binds opaque tokens to
// identities and client metadata in Redis, lets Redis TTLs expire them, and
// answers token lookups and identity enumerations.
//
// On-disk layout, for the configured prefix P (default "session:"):
//
//	P tok:<token>               hash   identity, client_descriptor, created_at
//	P idx:<identity>:<token>    string created_at
//
// Both keys carry the same TTL and are written by one Lua script. The index
// keys let ListSessions answer identity queries with a prefix SCAN; because
// every index entry expires on its own, no cleanup job is needed.
package session
