package tracker

import "context"

// WatchIdentity follows the host's "current user" signal: a new non-empty id
// starts a session for it, an empty id ends the active session. When ids is
// closed or ctx is done the session is ended and WatchIdentity returns.
func (t *Tracker) WatchIdentity(ctx context.Context, ids <-chan string) {
	defer t.EndSession()

	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ids:
			if !ok {
				return
			}

			current := t.Session()
			switch {
			case id == "":
				if current.Active() {
					t.EndSession()
				}
			case !current.Active() || current.UserID() != id:
				t.StartSession(id)
			}
		}
	}
}
