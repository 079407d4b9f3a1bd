package notifications

import (
	"context"
	"sort"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
)

type idSet map[string]struct{}

func newIDSet(ids ...string) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s.add(id)
	}
	return s
}

func (s idSet) has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s idSet) add(id string) bool {
	if s.has(id) {
		return false
	}
	s[id] = struct{}{}
	return true
}

func (s idSet) list() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// userState is the per-user overlay. read and dismissed are persisted; seen
// and acked live for the session only.
type userState struct {
	read      idSet
	dismissed idSet
	acked     idSet
	seen      idSet
	current   []models.Notification
}

func loadUserState(ctx context.Context, kv store.KV, username string, logger zerolog.Logger) *userState {
	var read, dismissed []string
	store.LoadJSON(ctx, kv, store.ReadNotificationsKey(username), &read, logger)
	store.LoadJSON(ctx, kv, store.DismissedNotificationsKey(username), &dismissed, logger)
	return &userState{
		read:      newIDSet(read...),
		dismissed: newIDSet(dismissed...),
		acked:     newIDSet(),
		seen:      newIDSet(),
	}
}

func (st *userState) saveRead(ctx context.Context, kv store.KV, username string) error {
	return store.SetJSON(ctx, kv, store.ReadNotificationsKey(username), st.read.list())
}

func (st *userState) saveDismissed(ctx context.Context, kv store.KV, username string) error {
	return store.SetJSON(ctx, kv, store.DismissedNotificationsKey(username), st.dismissed.list())
}

// markRead flags the visible item id as read and returns it.
func (st *userState) markRead(id string) (models.Notification, bool) {
	for i := range st.current {
		if st.current[i].ID == id {
			st.current[i].Read = true
			return st.current[i], true
		}
	}
	return models.Notification{}, false
}

func (st *userState) remove(id string) {
	out := st.current[:0]
	for _, n := range st.current {
		if n.ID != id {
			out = append(out, n)
		}
	}
	st.current = out
}

func (st *userState) unread() int {
	n := 0
	for i := range st.current {
		if !st.current[i].Read {
			n++
		}
	}
	return n
}
