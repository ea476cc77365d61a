package domain

import "fmt"

// itemTransitions is the single authority on legal item status moves.
// pending/processing/shipped may cancel; out_for_delivery may not —
// once a parcel is out the only exit is delivery. Returns are only
// reachable from delivered, and rejection is terminal (no money moves).
var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending:         {ItemProcessing, ItemCancelled},
	ItemProcessing:      {ItemShipped, ItemCancelled},
	ItemShipped:         {ItemOutForDelivery, ItemCancelled},
	ItemOutForDelivery:  {ItemDelivered},
	ItemDelivered:       {ItemReturnRequested},
	ItemReturnRequested: {ItemReturned, ItemReturnRejected},
}

func CanTransitionItem(from, to ItemStatus) bool {
	for _, next := range itemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for any illegal item status move so
// callers can distinguish it from validation failures.
type TransitionError struct {
	From ItemStatus
	To   ItemStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

func ValidItemStatus(status ItemStatus) bool {
	switch status {
	case ItemPending, ItemProcessing, ItemShipped, ItemOutForDelivery,
		ItemDelivered, ItemCancelled, ItemReturnRequested, ItemReturned,
		ItemReturnRejected:
		return true
	default:
		return false
	}
}

// SettledItem reports whether the item has left the order for good:
// its money (if any) has been or will never be collected.
func SettledItem(status ItemStatus) bool {
	return status == ItemCancelled || status == ItemReturned
}
