// Package state implements the persisted state backends.
//
// The local backend keeps the state in a JSON file and locks it with flock.
// The http backend speaks the OpenTofu http backend protocol: GET/POST on the
// state address and LOCK/UNLOCK on the lock addresses, with basic auth, mTLS
// and retried requests.
package state
