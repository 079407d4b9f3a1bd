package notifications

import (
	"sort"

	"github.com/MacJediWizard/fleetcheck/internal/models"
)

// MaxVisible caps the reconciled list.
const MaxVisible = 50

func score(n *models.Notification) int {
	s := 0
	if !n.Read {
		s += 2
	}
	if n.Type == models.NotificationCritical {
		s++
	}
	return s
}

// reconcile overlays the local read and dismissed sets, drops dismissed
// items and duplicates, ranks by unread and critical first then newest, and
// caps the result.
func reconcile(candidates []models.Notification, st *userState) []models.Notification {
	out := make([]models.Notification, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, n := range candidates {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		if st.dismissed.has(n.ID) || st.acked.has(n.ID) {
			continue
		}
		n.Read = st.read.has(n.ID)
		out = append(out, n)
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := score(&out[i]), score(&out[j])
		if si != sj {
			return si > sj
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if len(out) > MaxVisible {
		out = out[:MaxVisible]
	}
	return out
}

// pickPush chooses at most one new item to push: the first critical, else the
// first warning, else the first system info item. Every new id is marked
// seen.
func pickPush(list []models.Notification, seen idSet) (models.Notification, bool) {
	var critical, warning, info *models.Notification
	for i := range list {
		n := &list[i]
		if seen.has(n.ID) {
			continue
		}
		seen.add(n.ID)
		switch {
		case n.Type == models.NotificationCritical && critical == nil:
			critical = n
		case n.Type == models.NotificationWarning && warning == nil:
			warning = n
		case n.Type == models.NotificationInfo && n.Module == models.NotificationModuleSystem && info == nil:
			info = n
		}
	}

	switch {
	case critical != nil:
		return *critical, true
	case warning != nil:
		return *warning, true
	case info != nil:
		return *info, true
	}
	return models.Notification{}, false
}
