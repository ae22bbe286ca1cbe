// Package retry runs operations with exponential backoff and jitter.
//
// The identity gateway uses it where a transient outcome is expected to
// settle on its own, such as re-reading an account after a concurrent
// writer won a create race:
//
//	user, err := retry.DoValue(ctx, cfg, func(ctx context.Context) (*identity.User, error) {
//	    return store.FindUserByUsername(ctx, username)
//	}, &retry.Options{ShouldRetry: isNotFound})
//
// Wrap an error with Permanent to stop retrying immediately.
package retry
