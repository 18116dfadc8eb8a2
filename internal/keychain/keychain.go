// Package keychain provides secret storage for the remote API auth token.
//
// On macOS secrets are generic passwords in the login Keychain with:
//   - Service: "com.rondesk"
//   - Account: the secret key (e.g. "auth-token")
//   - Label: "rondesk: <key>" (for Keychain Access.app visibility)
//
// Elsewhere they live in a 0600 JSON file under the rondesk state directory.
package keychain

import "errors"

// TokenKey is the key the auth token is stored under.
const TokenKey = "auth-token"

// ErrNotFound is returned when a secret does not exist in the store.
var ErrNotFound = errors.New("secret not found")

// Store is the interface for secret storage operations.
type Store interface {
	Set(key, value string) error
	Get(key string) (string, error)
	List() ([]string, error)
	Delete(key string) error
}
