// Package auth keeps the signed in storefront operator, their company and
// plan, and the live feeds that keep those projections current.
//
// Identity:
//   - IdentityStore resolves the session through an AuthProvider and loads the
//     profile, company, pending upgrade and unread count for it. Loads for the
//     same user are deduplicated and every fetch is bounded with TimedAwait so
//     a slow store never leaves the store loading forever.
//   - A blocked profile never keeps a session: sign in is refused and a
//     blocked profile found on load signs the user out.
//
// Plan lifecycle:
//   - PlanLifecycleEngine classifies a company as ACTIVE, GRACE,
//     EXPIRED_GRACE or FREE. Entering GRACE sends one notice per renewal
//     cycle, guarded by a conditional marker write. After the grace period
//     the company is moved to Free, products above the free limit are
//     deactivated (oldest kept) and a single downgrade notice is sent.
//
// Observer mode:
//   - ImpersonationController lets an admin view another owner's storefront.
//     The session stays the admin's. Stopping restores the admin projections.
//
// Realtime:
//   - SyncCoordinator subscribes to the companies and notifications feeds of
//     a Transport, reconnects with a single pending timer per feed, debounces
//     account reloads and recounts, and polls the unread count as a fallback.
//     NotificationCounter can be suppressed while the UI applies optimistic
//     updates.
//
// Activity sinks:
//   - ActivitySink receives sign in, observer and plan events. Sinks run
//     best-effort (errors are logged).
package auth
