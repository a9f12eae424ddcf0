package models

import "sort"

// SortQueue orders tickets for the queue display: pending tickets first by
// ascending turn number, then everything else by most recent called_at with
// never-called tickets last.
func SortQueue(tickets []*Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return queueLess(tickets[i], tickets[j])
	})
}

func queueLess(a, b *Ticket) bool {
	ap := a.Status == TicketStatusPending
	bp := b.Status == TicketStatusPending
	if ap != bp {
		return ap
	}
	if ap {
		return a.TurnNumber < b.TurnNumber
	}
	switch {
	case a.CalledAt == nil && b.CalledAt == nil:
		return a.TurnNumber < b.TurnNumber
	case a.CalledAt == nil:
		return false
	case b.CalledAt == nil:
		return true
	case !a.CalledAt.Equal(*b.CalledAt):
		return a.CalledAt.After(*b.CalledAt)
	}
	return a.TurnNumber < b.TurnNumber
}
