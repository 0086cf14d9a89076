// Package sshkeys handles SSH key material and host-key trust.
//
// # Keys
//
// [GenerateKeyPair] creates an ED25519 key pair, returning the public key in
// authorized_keys format and the private key as PKCS#8 PEM.
// [ReadPrivateKeyFile] and [ParsePrivateKey] load identities referenced by
// connection profiles.
//
// # Host keys
//
// [KnownHosts] implements Trust On First Use against the known_hosts table of
// the settings database. Keys are recorded under the logical address of a hop
// ("host:port"), so a hop reached through a local forwarded port is still
// checked against its own identity rather than 127.0.0.1. A key that differs
// from the recorded one is rejected with a [FingerprintMismatchError]; there
// is no automatic re-trust. Forgetting a host (database.DeleteKnownHosts)
// is the only way to accept a rotated key.
package sshkeys
