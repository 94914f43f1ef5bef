/*
Package security provides at-rest encryption for sensitive configuration
values: upstream API tokens and webhook secrets.

# Encryption

SecretsManager encrypts and decrypts data using AES-256 in Galois/Counter
Mode (GCM), which provides authenticated encryption:

	Plaintext → AES-256-GCM → Ciphertext + Authentication Tag
	                ↑
	            32-byte key

Key features:
  - Authenticated encryption (integrity + confidentiality)
  - Random nonce per encryption (no nonce reuse)
  - Hardware-accelerated on modern CPUs (AES-NI)

## Encryption Process

 1. Generate a random 12-byte nonce
 2. Encrypt plaintext with AES-256-GCM
 3. Prepend the nonce to the ciphertext
 4. Store the combined bytes: [nonce || ciphertext || tag]

Decryption reverses the process:

 1. Extract the nonce (first 12 bytes)
 2. Extract the ciphertext + tag (remaining bytes)
 3. Decrypt and verify the authentication tag
 4. Return the plaintext, or an error if the data was tampered with or the
    key is wrong

# Instance Encryption Key

internal/config resolves "enc:"-prefixed configuration fields (currently
upstream.token and webhook.secret) against a single process-wide instance
key, set once at startup via SetInstanceEncryptionKey before the store is
opened:

	key := security.DeriveKeyFromInstanceID(instanceID)
	if err := security.SetInstanceEncryptionKey(key); err != nil {
		// handle error
	}

DeriveKeyFromInstanceID hashes the orchestrator's instance ID with SHA-256,
giving a stable key across restarts without a separate key-management
store. Encrypt and Decrypt operate against this package-level key; callers
that want an explicit key instead of the process-wide one construct a
SecretsManager directly.

# Usage

	// From a raw 32-byte key
	sm, err := security.NewSecretsManager(key)

	// Or derived from a password
	sm, err := security.NewSecretsManagerFromPassword("my-secret")

	ciphertext, err := sm.EncryptSecret([]byte("super-secret-password"))
	plaintext, err := sm.DecryptSecret(ciphertext)

# Threat Model

This package protects secrets at rest against anyone who can read the
store file but not the process's memory. It does not protect against:

  - A compromised instance encryption key (all encrypted fields exposed)
  - A compromised orchestrator process (keys live in memory)
  - Transport security between the orchestrator and its clients — that is
    the responsibility of whatever terminates TLS in front of the HTTP API
    and webhook ingress, which this package does not implement.
*/
package security
