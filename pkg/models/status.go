package models

import "strings"

// MergeMessageStatus never moves a message backwards, so a late "sent"
// cannot overwrite "read".
func MergeMessageStatus(current, candidate string) string {
	if statusOrder(candidate) >= statusOrder(current) {
		return candidate
	}
	return current
}

func NormalizeDirection(raw string) string {
	if strings.TrimSpace(raw) == DirectionIn {
		return DirectionIn
	}
	return DirectionOut
}

func statusOrder(status string) int {
	switch status {
	case MessageStatusPending:
		return 1
	case MessageStatusSent:
		return 2
	case MessageStatusDelivered:
		return 3
	case MessageStatusRead:
		return 4
	default:
		return 0
	}
}
