// Package identity binds external identity provider accounts (Google, GitHub,
// any OAuth2 or OpenID Connect provider) to local accounts and issues
// sessions for them.
//
// Login flow:
//   - The orchestrator validates the oauth token pair, asks the provider for
//     the user profile and resolves the (provider, provider user id) pair
//     through the UserDirectory.
//   - A first seen identity gets a new account with a generated username and
//     exactly one link. Concurrent first logins converge on the single account
//     the directory accepted; losers resolve the winner instead of retrying.
//   - The account credential is never stored. It is derived from the username,
//     the creation time and the installation secret, and handed to the
//     SessionIssuer together with the username.
//
// Linking:
//   - LinkManager adds and removes provider identities on an authenticated
//     account. A provider identity belongs to at most one account, and an
//     account whose username was generated keeps its last link.
//   - Every link mutation goes through UserDirectory.MutateLinks with the
//     version it was read at, so concurrent writers cannot both win.
//
// Activity sinks:
//   - ActivitySink receives account creation, login and link events. Sinks
//     run best-effort (errors are logged) so forwarding to a database or queue
//     never blocks a login.
//
// Storage lives in the repository (Bun) and repository/gormrepo (GORM)
// packages, provider clients in provider, and the JWT session issuer in
// session.
package identity
