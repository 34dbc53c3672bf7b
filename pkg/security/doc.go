/*
Package security lets an operator commit an HTTP output's password to its
config file encrypted rather than in cleartext.

	collectorKey := "shared-secret-for-this-cluster"
	sm, _ := security.NewSecretsManagerFromPassword(collectorKey)
	ciphertext, _ := sm.EncryptSecret([]byte("real-password"))
	// base64-encode ciphertext, store it as sams.output.Http.password_encrypted

At collector startup, pkg/output.NewHTTP calls DecryptPasswordField with the
same key (sams.output.Http.secret_key) to recover the plaintext password
used for basic auth against the receiver.
*/
package security
