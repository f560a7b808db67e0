// Package session verifies the access credentials bazaar clients present when
// opening a realtime connection.
//
// Access tokens are PASETO v4.public tokens issued by the external auth service.
// They carry the user id ("uid"), the auth session id ("sid") and the device id
// ("did"). Verification needs only the issuer's public key.
//
// When a session store is configured, the backing auth session row is checked
// as well so that revocations take effect before the token expires.
package session
