// Package cache implements named, versioned response stores. A Storage holds
// any number of caches addressed by name; each Cache maps a request identity
// (method + absolute URL) to a complete stored response. Writes always replace
// a whole entry, so concurrent readers observe either the old or the new
// response and never a mix. Two drivers are provided: a filesystem layout
// (StoragePath/<cache name>/<sha1 of key>.entry) and a single SQLite file.
package cache
