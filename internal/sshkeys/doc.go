// Package sshkeys handles the key material used by SSH connection setups.
//
// # Key files
//
// [GenerateKeyPair] creates an ED25519 key pair, optionally protected by a
// passphrase, and [SaveKeyPair] writes it next to its ".pub" companion with
// 0600 permissions on the private half. [LoadSigner] reads a private key
// file back into an ssh.Signer; a missing or wrong passphrase is reported
// with the errors of golang.org/x/crypto/ssh so callers can classify it.
//
// # Host keys
//
// [GetPublicKeyFingerprint] and [VerifyFingerprint] compare authorized_keys
// formatted keys against SHA256 fingerprints. [PinnedHostKeyCallback]
// accepts any host key on first use and records its fingerprint; once a
// fingerprint is pinned, a different host key is rejected with a
// [*FingerprintMismatchError].
package sshkeys
