package model

import "time"

// EntryEvent is published on the bus after every applied mutation so
// downstream consumers (reporting, notifications) can follow the audit
// trail without polling the store.
type EntryEvent struct {
	EntryID      int64     `json:"entry_id"`
	AccountID    string    `json:"account_id"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       Reason    `json:"reason"`
	ExternalRef  string    `json:"external_ref,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
