package chatsync

import "sort"

// Reconciliation helpers are pure: they never mutate their inputs and always
// return a list sorted by CreatedAt with unique ids.

type contentKey struct {
	content  string
	senderID string
}

// MergeHistory merges an authoritative history push with the cached list of a
// conversation. Cached provisional messages survive unless history already
// holds a message with the same content and sender. Confirmed entries win any
// id collision.
func MergeHistory(cached, history []Message) []Message {
	seen := make(map[contentKey]struct{}, len(history))
	for _, m := range history {
		seen[contentKey{m.Content, m.SenderID}] = struct{}{}
	}

	merged := make([]Message, 0, len(history)+len(cached))
	for _, m := range history {
		merged = append(merged, m.confirmed())
	}
	for _, m := range cached {
		if !m.Provisional() {
			continue
		}
		if _, dup := seen[contentKey{m.Content, m.SenderID}]; dup {
			continue
		}
		merged = append(merged, m)
	}
	SortMessages(merged)
	return DedupeByID(merged)
}

// ApplyIncoming folds a live message into a cached list. Provisional entries
// with the same content are treated as confirmed by it and dropped. The bool
// reports whether the list changed.
func ApplyIncoming(cached []Message, msg Message) ([]Message, bool) {
	msg = msg.confirmed()
	out := make([]Message, 0, len(cached)+1)
	changed := false
	present := false
	for _, m := range cached {
		if m.ID == msg.ID {
			present = true
		}
		if m.Provisional() && m.ID != msg.ID && m.Content == msg.Content {
			changed = true
			continue
		}
		out = append(out, m)
	}
	if !present {
		out = insertSorted(out, msg)
		changed = true
	}
	return out, changed
}

// RemoveMessage returns list without the message id.
func RemoveMessage(list []Message, id string) ([]Message, bool) {
	out := make([]Message, 0, len(list))
	removed := false
	for _, m := range list {
		if m.ID == id {
			removed = true
			continue
		}
		out = append(out, m)
	}
	return out, removed
}

// SortMessages sorts in place by CreatedAt, keeping insertion order on ties.
func SortMessages(list []Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

// DedupeByID keeps one entry per id. A confirmed entry replaces a provisional
// one carrying the same id; otherwise the first occurrence wins.
func DedupeByID(list []Message) []Message {
	index := make(map[string]int, len(list))
	out := make([]Message, 0, len(list))
	for _, m := range list {
		if i, ok := index[m.ID]; ok {
			if out[i].Provisional() && !m.Provisional() {
				out[i] = m
			}
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

func insertSorted(list []Message, msg Message) []Message {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(msg.CreatedAt)
	})
	list = append(list, Message{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	return list
}
